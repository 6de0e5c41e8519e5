// Package engine wires the local store, connectivity monitor, remote
// adapter and upload queue into the API the UI layer talks to. It is the
// single owner of process-wide sync state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/plantsync/internal/connectivity"
	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/reconcile"
	"github.com/alexjbarnes/plantsync/internal/remote"
	"github.com/alexjbarnes/plantsync/internal/state"
	"github.com/alexjbarnes/plantsync/internal/syncq"
	"github.com/google/uuid"
)

const defaultFullRefresh = 15 * time.Minute

// Remote is the remote authority as the engine sees it.
type Remote interface {
	syncq.Uploader
	Fetch(ctx context.Context, kind models.Kind, opts remote.FetchOptions) ([]models.Record, error)
	GetPlant(ctx context.Context, id string) (models.Record, error)
}

// Monitor is the connectivity monitor as the engine sees it.
// *connectivity.Monitor satisfies this.
type Monitor interface {
	syncq.Reachability
	Reachable() bool
	SetLinkDown(down bool)
}

// Options configures an Engine.
type Options struct {
	// User is the person using this client.
	User string
	Sync syncq.Config
	// Degraded marks a store that fell back to memory.
	Degraded bool
	// FullRefresh is how long plant listings are fetched incrementally
	// from the since cursor before the whole list is fetched again.
	// Defaults to 15 minutes.
	FullRefresh time.Duration
}

// SyncState is the status snapshot shown to the user.
type SyncState struct {
	Reachable bool
	Pending   int
	Draining  bool
	LastDrain time.Time
	Rejected  []models.Record
	// Degraded is true when nothing written this session will survive a
	// restart.
	Degraded bool
}

// Engine is safe for concurrent use.
type Engine struct {
	store   *state.Store
	monitor Monitor
	remote  Remote
	queue   *syncq.Manager
	user    string
	opts    Options
	logger  *slog.Logger
}

// New creates an Engine. The upload queue is created here; call Run to
// start its triggers.
func New(store *state.Store, monitor Monitor, rem Remote, opts Options, logger *slog.Logger) *Engine {
	if opts.FullRefresh <= 0 {
		opts.FullRefresh = defaultFullRefresh
	}

	e := &Engine{
		store:   store,
		monitor: monitor,
		remote:  rem,
		user:    strings.TrimSpace(opts.User),
		opts:    opts,
		logger:  logger,
	}

	userHook := opts.Sync.OnRejected
	opts.Sync.OnRejected = func(rec models.Record, err error) {
		e.logger.Warn("remote authority rejected record",
			slog.String("record", rec.Ref().String()),
			slog.String("error", err.Error()),
		)

		if userHook != nil {
			userHook(rec, err)
		}
	}

	e.queue = syncq.New(store, rem, monitor, opts.Sync, logger)

	return e
}

// OpenStore opens the durable store at path, or the default location
// when path is empty. If it cannot be opened the engine still works on
// an in-memory store; degraded reports that case.
func OpenStore(path string, logger *slog.Logger) (store *state.Store, degraded bool) {
	var err error

	if path == "" {
		store, err = state.Load()
	} else {
		store, err = state.LoadAt(path)
	}

	if err == nil {
		return store, false
	}

	logger.Error("local store unavailable, changes will not survive a restart",
		slog.String("error", err.Error()),
	)

	return state.NewMemory(), true
}

// Run drives the upload queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Run(ctx)
}

// Store returns the underlying store.
func (e *Engine) Store() *state.Store {
	return e.store
}

// User returns the configured user.
func (e *Engine) User() string {
	return e.user
}

// CreatePlant stores a new plant for upload. The owner defaults to the
// current user.
func (e *Engine) CreatePlant(ctx context.Context, p models.Plant) (models.Record, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Category = strings.TrimSpace(p.Category)
	p.Description = strings.TrimSpace(p.Description)

	p.Owner = strings.TrimSpace(p.Owner)
	if p.Owner == "" {
		p.Owner = e.user
	}

	return e.create(models.Payload{Plant: &p})
}

// CreateChatMessage stores a new chat message for upload. While the
// remote authority is unreachable, messages are only accepted on the
// current user's own plants.
func (e *Engine) CreateChatMessage(ctx context.Context, m models.ChatMessage) (models.Record, error) {
	m.PlantID = strings.TrimSpace(m.PlantID)

	m.Author = strings.TrimSpace(m.Author)
	if m.Author == "" {
		m.Author = e.user
	}

	if m.Time.IsZero() {
		m.Time = time.Now()
	}

	m.Time = m.Time.UTC()

	if !e.monitor.IsReachable(ctx, false) {
		owned, err := e.ownsPlant(m.PlantID)
		if err != nil {
			return models.Record{}, err
		}

		if !owned {
			return models.Record{}, fmt.Errorf("plant %s: %w", m.PlantID, apperr.ErrNotPlantOwner)
		}
	}

	return e.create(models.Payload{Chat: &m})
}

// ownsPlant reports whether a stored plant with the given server id
// belongs to the current user.
func (e *Engine) ownsPlant(plantID string) (bool, error) {
	plants, err := e.store.GetAll(models.KindPlants)
	if err != nil {
		return false, err
	}

	for _, rec := range plants {
		if rec.ServerID == plantID && rec.Payload.Plant != nil {
			return strings.EqualFold(rec.Payload.Plant.Owner, e.user), nil
		}
	}

	return false, nil
}

func (e *Engine) create(p models.Payload) (models.Record, error) {
	if err := p.Validate(); err != nil {
		return models.Record{}, err
	}

	now := time.Now().UTC()
	rec := models.Record{
		Kind:           p.Kind(),
		Payload:        p,
		Signature:      reconcile.Signature(p),
		SyncStatus:     models.StatusPending,
		Origin:         models.OriginLocal,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	id, err := e.store.Put(rec.Kind, &rec)
	if err != nil {
		return models.Record{}, fmt.Errorf("storing %s: %w", rec.Kind, err)
	}

	rec.LocalID = id

	e.logger.Info("record created",
		slog.String("record", rec.Ref().String()),
	)

	e.queue.Kick()

	return rec, nil
}

// UpdateRecord applies an edit to a local record that has not been
// confirmed yet. Non-empty fields of patch overwrite the stored ones.
// A failed or rejected record goes back into the queue.
func (e *Engine) UpdateRecord(ctx context.Context, ref models.RecordRef, patch models.Payload) (models.Record, error) {
	var updated models.Record

	err := e.store.Update(ref.Kind, ref.LocalID, func(rec *models.Record) error {
		if rec.Origin != models.OriginLocal {
			return fmt.Errorf("%s is a remote copy: %w", ref, apperr.ErrInvalidTransition)
		}

		switch rec.SyncStatus {
		case models.StatusSynced, models.StatusSyncing:
			return fmt.Errorf("%s is %s: %w", ref, rec.SyncStatus, apperr.ErrInvalidTransition)
		case models.StatusFailed:
			if err := rec.Transition(models.StatusPending); err != nil {
				return err
			}
		}

		merged, err := mergePayload(rec.Payload, patch)
		if err != nil {
			return err
		}

		rec.Payload = merged
		rec.Signature = reconcile.Signature(merged)
		rec.Rejected = false
		rec.LastError = ""
		rec.UpdatedAt = time.Now().UTC()
		updated = rec.Clone()

		return nil
	})
	if err != nil {
		return models.Record{}, err
	}

	e.queue.Kick()

	return updated, nil
}

// mergePayload overwrites fields of base with the non-zero fields of
// patch. The kinds must match.
func mergePayload(base, patch models.Payload) (models.Payload, error) {
	out := base.Clone()

	switch {
	case patch.Plant != nil && out.Plant != nil:
		p := patch.Plant
		setIf(&out.Plant.Name, p.Name)
		setIf(&out.Plant.Owner, p.Owner)
		setIf(&out.Plant.Category, p.Category)
		setIf(&out.Plant.Description, p.Description)
		setIf(&out.Plant.PhotoRef, p.PhotoRef)
	case patch.Chat != nil && out.Chat != nil:
		c := patch.Chat
		setIf(&out.Chat.PlantID, c.PlantID)
		setIf(&out.Chat.Text, c.Text)

		if !c.Time.IsZero() {
			out.Chat.Time = c.Time.UTC()
		}
	default:
		return base, fmt.Errorf("patch does not match record kind: %w", apperr.ErrInvalidPayload)
	}

	if err := out.Validate(); err != nil {
		return base, err
	}

	return out, nil
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// View materializes the records of opts.Kind. When the remote authority
// is reachable a fresh snapshot is fetched and reconciled; superseded
// local records are retired and the snapshot is cached for offline use.
// Fetch failures fall back to what the store holds.
func (e *Engine) View(ctx context.Context, opts reconcile.ViewOptions) ([]models.Record, error) {
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("view %q: %w", opts.Kind, apperr.ErrUnsupportedKind)
	}

	snap := e.fetch(ctx, opts)

	local, err := e.reconcileStored(opts.Kind, snap)
	if err != nil {
		return nil, err
	}

	return reconcile.Materialize(local, snap.records, opts), nil
}

// snapshot is the outcome of one remote fetch.
type snapshot struct {
	records []models.Record
	// ok is false when nothing was fetched.
	ok bool
	// full is true when the listing was not narrowed by a since cursor.
	full bool
}

func (e *Engine) fetch(ctx context.Context, opts reconcile.ViewOptions) snapshot {
	if opts.Kind == models.KindUsers || !e.monitor.IsReachable(ctx, false) {
		return snapshot{}
	}

	fo := remote.FetchOptions{PlantID: opts.PlantID, List: listOptions(opts)}

	full := true
	if opts.Kind == models.KindPlants {
		fo.List.Since, full = e.plantCursor()
	}

	recs, err := e.remote.Fetch(ctx, opts.Kind, fo)
	if err != nil {
		e.logger.Warn("fetching remote snapshot, showing local records",
			slog.String("kind", string(opts.Kind)),
			slog.String("error", err.Error()),
		)

		return snapshot{}
	}

	return snapshot{records: recs, ok: true, full: full}
}

// listOptions maps a view's ordering to the server's listing query.
func listOptions(opts reconcile.ViewOptions) remote.ListOptions {
	lo := remote.ListOptions{Order: "asc"}
	if opts.Descending {
		lo.Order = "desc"
	}

	switch opts.SortBy {
	case reconcile.SortName:
		lo.SortBy = "name"
	case reconcile.SortCategory:
		lo.SortBy = "type"
	default:
		lo.SortBy = "createdAt"
	}

	return lo
}

const (
	plantSinceKey     = "since:plants"
	plantRefreshedKey = "refreshed:plants"
)

// plantCursor returns the since cursor for the next plant listing, or
// a zero time and full=true when the whole list is due.
func (e *Engine) plantCursor() (since time.Time, full bool) {
	refreshed, err := e.metaTime(plantRefreshedKey)
	if err != nil || refreshed.IsZero() || time.Since(refreshed) >= e.opts.FullRefresh {
		return time.Time{}, true
	}

	since, err = e.metaTime(plantSinceKey)
	if err != nil || since.IsZero() {
		return time.Time{}, true
	}

	return since, false
}

func (e *Engine) metaTime(key string) (time.Time, error) {
	v, err := e.store.GetMeta(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}

	return time.Parse(time.RFC3339Nano, v)
}

// reconcileStored reads the stored records of kind, retires the ones
// the snapshot supersedes and caches the snapshot, all in one
// transaction, and returns what it read. Retire decisions are made on
// that read, so an edit racing the fetch is never lost. If the write
// fails the view falls back to a plain read.
func (e *Engine) reconcileStored(kind models.Kind, snap snapshot) ([]models.Record, error) {
	var (
		local   []models.Record
		retired int
	)

	err := e.store.Batch(func(tx state.Tx) error {
		local = local[:0]
		retired = 0

		err := tx.ForEach(kind, func(r models.Record) error {
			local = append(local, r)
			return nil
		})
		if err != nil {
			return err
		}

		for _, ref := range reconcile.Reconcile(local, snap.records).Retire {
			if err := tx.Delete(ref.Kind, ref.LocalID); err != nil {
				return err
			}

			retired++
		}

		for _, rec := range snap.records {
			rec.Signature = reconcile.Signature(rec.Payload)
			if _, err := state.UpsertRemoteTx(tx, kind, &rec); err != nil {
				return err
			}
		}

		if kind == models.KindPlants && snap.ok {
			return advancePlantCursor(tx, snap)
		}

		return nil
	})
	if err != nil {
		e.logger.Warn("caching remote snapshot", slog.String("error", err.Error()))
		return e.store.GetAll(kind)
	}

	if retired > 0 {
		e.logger.Info("retired superseded records",
			slog.String("kind", string(kind)),
			slog.Int("count", retired),
		)
	}

	return local, nil
}

// advancePlantCursor moves the since cursor to the newest plant seen,
// never backwards, and stamps a full refresh.
func advancePlantCursor(tx state.Tx, snap snapshot) error {
	cur, err := tx.GetMeta(plantSinceKey)
	if err != nil {
		return err
	}

	newest, _ := time.Parse(time.RFC3339Nano, cur)
	if snap.full {
		newest = time.Time{}
	}

	for _, rec := range snap.records {
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}

	if !newest.IsZero() {
		if err := tx.SetMeta(plantSinceKey, newest.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	if snap.full {
		return tx.SetMeta(plantRefreshedKey, time.Now().UTC().Format(time.RFC3339Nano))
	}

	return nil
}

// Plant returns one plant by server id. When the remote authority is
// reachable the copy is refreshed from it and cached; otherwise the
// cached copy is returned.
func (e *Engine) Plant(ctx context.Context, serverID string) (models.Record, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return models.Record{}, fmt.Errorf("plant id is required: %w", apperr.ErrInvalidPayload)
	}

	if e.monitor.IsReachable(ctx, false) {
		rec, err := e.remote.GetPlant(ctx, serverID)
		if err == nil {
			if err := e.IngestRemote(ctx, rec); err != nil {
				e.logger.Warn("caching plant", slog.String("server_id", serverID), slog.String("error", err.Error()))
			}

			rec.Signature = reconcile.Signature(rec.Payload)

			return rec, nil
		}

		if !apperr.IsTransient(err) {
			return models.Record{}, err
		}

		e.logger.Warn("fetching plant, using cached copy",
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)
	}

	recs, err := e.store.GetAll(models.KindPlants)
	if err != nil {
		return models.Record{}, err
	}

	for _, rec := range recs {
		if rec.ServerID == serverID {
			return rec, nil
		}
	}

	return models.Record{}, fmt.Errorf("plant %s: %w", serverID, apperr.ErrRecordNotFound)
}

// IngestRemote stores a record pushed by the remote authority and
// retires any local copy it supersedes.
func (e *Engine) IngestRemote(_ context.Context, rec models.Record) error {
	if err := rec.Payload.Validate(); err != nil {
		return err
	}

	rec.Kind = rec.Payload.Kind()
	rec.Signature = reconcile.Signature(rec.Payload)

	retired := 0

	err := e.store.Batch(func(tx state.Tx) error {
		retired = 0

		var local []models.Record

		err := tx.ForEach(rec.Kind, func(r models.Record) error {
			if r.Origin == models.OriginLocal {
				local = append(local, r)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, ref := range reconcile.Reconcile(local, []models.Record{rec}).Retire {
			if err := tx.Delete(ref.Kind, ref.LocalID); err != nil {
				return err
			}

			retired++
		}

		_, err = state.UpsertRemoteTx(tx, rec.Kind, &rec)

		return err
	})
	if err != nil {
		return err
	}

	e.logger.Debug("remote record stored",
		slog.String("server_id", rec.ServerID),
		slog.Int("retired", retired),
	)

	return nil
}

// PendingCount returns the number of local records not yet confirmed.
func (e *Engine) PendingCount() (int, error) {
	return e.store.PendingCount()
}

// Connectivity subscribes to reachability changes.
func (e *Engine) Connectivity() (<-chan connectivity.Status, func()) {
	return e.monitor.Subscribe()
}

// SetLinkDown passes on an operating system network event. Going down
// marks the remote unreachable without a probe; coming back up asks the
// queue to drain, which probes first.
func (e *Engine) SetLinkDown(down bool) {
	e.logger.Info("network link changed", slog.Bool("down", down))
	e.monitor.SetLinkDown(down)

	if !down {
		e.queue.Kick()
	}
}

// SyncNow checks connectivity without the cache and drains the queue
// immediately.
func (e *Engine) SyncNow(ctx context.Context) (syncq.Result, error) {
	if !e.monitor.IsReachable(ctx, true) {
		return syncq.Result{}, fmt.Errorf("sync: %w", apperr.ErrNetworkUnreachable)
	}

	return e.queue.DrainNow(ctx), nil
}

// Rejected lists local records the remote authority refused.
func (e *Engine) Rejected() ([]models.Record, error) {
	var out []models.Record

	for _, kind := range models.SyncKinds {
		recs, err := e.store.GetAll(kind)
		if err != nil {
			return nil, err
		}

		for _, rec := range recs {
			if rec.Rejected {
				out = append(out, rec)
			}
		}
	}

	return out, nil
}

// State returns the current sync state, checking reachability through
// the monitor's cache window.
func (e *Engine) State(ctx context.Context) (SyncState, error) {
	return e.state(e.monitor.IsReachable(ctx, false))
}

// Snapshot is State without a network probe: reachability is the last
// known answer.
func (e *Engine) Snapshot(context.Context) (SyncState, error) {
	return e.state(e.monitor.Reachable())
}

func (e *Engine) state(reachable bool) (SyncState, error) {
	pending, err := e.store.PendingCount()
	if err != nil {
		return SyncState{}, err
	}

	rejected, err := e.Rejected()
	if err != nil {
		return SyncState{}, err
	}

	qs := e.queue.Status()

	return SyncState{
		Reachable: reachable,
		Pending:   pending,
		Draining:  qs.Draining,
		LastDrain: qs.LastDrain,
		Rejected:  rejected,
		Degraded:  e.opts.Degraded,
	}, nil
}
