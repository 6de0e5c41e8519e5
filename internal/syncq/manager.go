// Package syncq drains locally created records to the remote authority.
// Each kind has its own queue; records within a kind are uploaded one at
// a time in creation order, while kinds drain concurrently.
package syncq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/plantsync/internal/connectivity"
	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/state"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -destination=mock_uploader_test.go -package=syncq . Uploader

const (
	defaultInterval      = 5 * time.Minute
	defaultUploadTimeout = 30 * time.Second
)

// Uploader submits one record and returns the server-assigned id.
type Uploader interface {
	Upload(ctx context.Context, rec models.Record) (string, error)
}

// Reachability is the part of the connectivity monitor the queue needs.
type Reachability interface {
	IsReachable(ctx context.Context, force bool) bool
	Subscribe() (<-chan connectivity.Status, func())
}

// Config tunes the drain triggers. A zero MinInterval disables the
// throttle and a zero ReconnectDebounce drains as soon as the remote
// comes back. Interval and UploadTimeout fall back to 5m and 30s.
type Config struct {
	MinInterval       time.Duration
	Interval          time.Duration
	ReconnectDebounce time.Duration
	UploadTimeout     time.Duration

	// Kinds drained, in order. Defaults to models.SyncKinds.
	Kinds []models.Kind

	// OnRejected is called once for every record the remote authority
	// refuses. It runs on the drain goroutine and must not block.
	OnRejected func(rec models.Record, err error)
}

// Result lists the records a drain uploaded and the ones that failed.
type Result struct {
	Succeeded []models.RecordRef
	Failed    []models.RecordRef
}

// Empty reports whether the drain touched no records.
func (r Result) Empty() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) == 0
}

// Status is a snapshot of the queue for status displays.
type Status struct {
	Draining   bool
	LastDrain  time.Time
	LastResult Result
}

// Manager owns the upload queues.
type Manager struct {
	store    *state.Store
	uploader Uploader
	monitor  Reachability
	cfg      Config
	logger   *slog.Logger

	draining atomic.Bool
	kick     chan struct{}

	mu         sync.Mutex
	lastDrain  time.Time
	lastResult Result
}

// New creates a Manager. Call Recover before the first drain, or use Run
// which does it for you.
func New(store *state.Store, uploader Uploader, monitor Reachability, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}

	if len(cfg.Kinds) == 0 {
		cfg.Kinds = models.SyncKinds
	}

	return &Manager{
		store:    store,
		uploader: uploader,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Status returns the current queue status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		Draining:   m.draining.Load(),
		LastDrain:  m.lastDrain,
		LastResult: m.lastResult,
	}
}

// Kick requests a drain from the Run loop. Requests made while one is
// already pending are coalesced.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Drain uploads every queued record. A call made while another drain is
// running, or within MinInterval of the last one, returns an empty
// result. When the remote authority is unreachable no request is made.
func (m *Manager) Drain(ctx context.Context) Result {
	return m.drain(ctx, false)
}

// DrainNow is Drain without the MinInterval throttle, for a user asking
// to sync right away. It still never overlaps a running drain.
func (m *Manager) DrainNow(ctx context.Context) Result {
	return m.drain(ctx, true)
}

func (m *Manager) drain(ctx context.Context, bypassThrottle bool) Result {
	if !m.draining.CompareAndSwap(false, true) {
		m.logger.Debug("drain already running")
		return Result{}
	}
	defer m.draining.Store(false)

	m.mu.Lock()
	throttled := !bypassThrottle && m.cfg.MinInterval > 0 && !m.lastDrain.IsZero() &&
		time.Since(m.lastDrain) < m.cfg.MinInterval
	m.mu.Unlock()

	if throttled {
		m.logger.Debug("drain throttled")
		return Result{}
	}

	if !m.monitor.IsReachable(ctx, false) {
		m.logger.Debug("drain skipped, remote unreachable")
		return Result{}
	}

	var (
		resMu sync.Mutex
		res   Result
		cut   atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, kind := range m.cfg.Kinds {
		g.Go(func() error {
			kr, stopped, err := m.drainKind(gctx, kind)
			if stopped {
				cut.Store(true)
			}

			resMu.Lock()
			res.Succeeded = append(res.Succeeded, kr.Succeeded...)
			res.Failed = append(res.Failed, kr.Failed...)
			resMu.Unlock()

			return err
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Warn("drain aborted", slog.String("error", err.Error()))
	}

	// A drain cut short by lost connectivity does not open the throttle
	// window, so the reconnect that follows can finish the job.
	m.mu.Lock()
	if !cut.Load() {
		m.lastDrain = time.Now()
	}
	m.lastResult = res
	m.mu.Unlock()

	if !res.Empty() {
		m.logger.Info("drain finished",
			slog.Int("succeeded", len(res.Succeeded)),
			slog.Int("failed", len(res.Failed)),
		)
	}

	return res
}

// drainKind uploads the queued records of one kind in creation order.
// It stops at the first sign of lost connectivity and reports that it
// stopped early. Only storage errors are returned; upload failures
// become record state.
func (m *Manager) drainKind(ctx context.Context, kind models.Kind) (Result, bool, error) {
	var res Result

	queued, err := m.store.Pending(kind)
	if err != nil {
		return res, false, err
	}

	for _, rec := range queued {
		if ctx.Err() != nil {
			return res, true, nil
		}

		if !m.monitor.IsReachable(ctx, false) {
			m.logger.Info("connectivity lost, stopping drain",
				slog.String("kind", string(kind)),
				slog.Int("remaining", len(queued)-len(res.Succeeded)-len(res.Failed)),
			)

			return res, true, nil
		}

		ok, err := m.syncRecord(ctx, kind, rec.LocalID)
		if err != nil {
			if errors.Is(err, errSkip) {
				continue
			}

			return res, false, err
		}

		ref := models.RecordRef{Kind: kind, LocalID: rec.LocalID}
		if ok {
			res.Succeeded = append(res.Succeeded, ref)
		} else {
			res.Failed = append(res.Failed, ref)
		}
	}

	return res, false, nil
}

// errSkip marks a record that changed between listing and claiming:
// retired, edited into a non-queued state, or claimed elsewhere.
var errSkip = errors.New("record no longer queued")

// syncRecord claims one record, uploads it and records the outcome.
// Returns true on success. The returned error is errSkip or a storage
// failure.
func (m *Manager) syncRecord(ctx context.Context, kind models.Kind, id uint64) (bool, error) {
	var claimed models.Record

	err := m.store.Update(kind, id, func(rec *models.Record) error {
		if rec.Origin != models.OriginLocal || rec.Rejected || !rec.SyncStatus.Queued() {
			return errSkip
		}

		if rec.SyncStatus == models.StatusFailed {
			if err := rec.Transition(models.StatusPending); err != nil {
				return err
			}
		}

		if err := rec.Transition(models.StatusSyncing); err != nil {
			return err
		}

		now := time.Now()
		rec.LastSyncAttempt = &now
		claimed = rec.Clone()

		return nil
	})

	switch {
	case errors.Is(err, apperr.ErrRecordNotFound), errors.Is(err, errSkip):
		return false, errSkip
	case err != nil:
		return false, err
	}

	uctx, cancel := context.WithTimeout(ctx, m.cfg.UploadTimeout)
	serverID, uploadErr := m.uploader.Upload(uctx, claimed)
	cancel()

	if uploadErr == nil {
		return true, m.markSynced(kind, id, serverID)
	}

	uploadErr = apperr.FromContext(uploadErr)

	return false, m.markFailed(kind, id, claimed, uploadErr)
}

func (m *Manager) markSynced(kind models.Kind, id uint64, serverID string) error {
	ref := models.RecordRef{Kind: kind, LocalID: id}

	err := m.store.Update(kind, id, func(rec *models.Record) error {
		if err := rec.AssignServerID(serverID); err != nil {
			return err
		}

		if err := rec.Transition(models.StatusSynced); err != nil {
			return err
		}

		now := time.Now()
		rec.LastSyncSuccess = &now
		rec.LastError = ""

		return nil
	})

	switch {
	case err == nil:
		m.logger.Debug("record synced",
			slog.String("record", ref.String()),
			slog.String("server_id", serverID),
		)
	case errors.Is(err, apperr.ErrRecordNotFound):
		// Retired while the upload was in flight; the remote copy
		// already stands in for it.
	case errors.Is(err, apperr.ErrStorageUnavailable):
		return err
	default:
		m.logger.Error("recording upload success",
			slog.String("record", ref.String()),
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (m *Manager) markFailed(kind models.Kind, id uint64, claimed models.Record, uploadErr error) error {
	rejected := !apperr.IsTransient(uploadErr)

	var stored models.Record

	err := m.store.Update(kind, id, func(rec *models.Record) error {
		if err := rec.Transition(models.StatusFailed); err != nil {
			return err
		}

		rec.Attempts++
		rec.LastError = uploadErr.Error()
		rec.Rejected = rejected
		stored = rec.Clone()

		return nil
	})
	if errors.Is(err, apperr.ErrRecordNotFound) {
		return nil
	}

	if err != nil {
		if errors.Is(err, apperr.ErrStorageUnavailable) {
			return err
		}

		m.logger.Error("recording upload failure",
			slog.String("record", claimed.Ref().String()),
			slog.String("error", err.Error()),
		)

		return nil
	}

	m.logger.Warn("upload failed",
		slog.String("record", claimed.Ref().String()),
		slog.Int("attempts", stored.Attempts),
		slog.Bool("rejected", rejected),
		slog.String("error", uploadErr.Error()),
	)

	if rejected && m.cfg.OnRejected != nil {
		m.cfg.OnRejected(stored, uploadErr)
	}

	return nil
}

// Recover resets records left in syncing by an interrupted process back
// to pending. Whether their upload reached the server is unknown; the
// idempotency key makes a second attempt safe.
func (m *Manager) Recover() (int, error) {
	reset := 0

	err := m.store.Batch(func(tx state.Tx) error {
		reset = 0

		for _, kind := range m.cfg.Kinds {
			var stuck []uint64

			err := tx.ForEach(kind, func(rec models.Record) error {
				if rec.SyncStatus == models.StatusSyncing {
					stuck = append(stuck, rec.LocalID)
				}

				return nil
			})
			if err != nil {
				return err
			}

			for _, id := range stuck {
				err := state.UpdateTx(tx, kind, id, func(rec *models.Record) error {
					return rec.Transition(models.StatusPending)
				})
				if err != nil {
					return err
				}

				reset++
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		m.logger.Info("reset interrupted uploads", slog.Int("count", reset))
	}

	return reset, nil
}

// Run recovers interrupted uploads, drains once, then drains again on
// every trigger until ctx is cancelled: the remote becoming reachable
// (after ReconnectDebounce), the periodic Interval, and Kick. Every
// trigger honours MinInterval.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Recover(); err != nil {
		m.logger.Error("recovering interrupted uploads", slog.String("error", err.Error()))
	}

	m.Drain(ctx)

	changes, unsubscribe := m.monitor.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case st := <-changes:
			if debounce != nil {
				debounce.Stop()
				debounceC = nil
			}

			if !st.Reachable {
				continue
			}

			debounce = time.NewTimer(m.cfg.ReconnectDebounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil

			m.Drain(ctx)

		case <-ticker.C:
			m.Drain(ctx)

		case <-m.kick:
			m.Drain(ctx)
		}
	}
}
