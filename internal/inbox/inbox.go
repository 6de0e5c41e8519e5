// Package inbox watches a drop directory for offline drafts written by a
// UI process and turns each one into a local record.
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/fsnotify/fsnotify"
)

//go:generate mockgen -destination=mock_creator_test.go -package=inbox -mock_names=draftCreator=MockDraftCreator . draftCreator

const (
	inboxDirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending drops are checked; a file is
	// processed once it has been quiet for settleTime.
	debounceInterval = 500 * time.Millisecond
	settleTime       = 300 * time.Millisecond

	// maxDraftBytes caps how much of a draft file is read.
	maxDraftBytes = 1 << 20

	draftExt    = ".json"
	rejectedExt = ".rejected"
)

// draftCreator is the subset of the engine the inbox needs.
type draftCreator interface {
	CreatePlant(ctx context.Context, p models.Plant) (models.Record, error)
	CreateChatMessage(ctx context.Context, m models.ChatMessage) (models.Record, error)
}

// Draft is the file format a UI drops into the inbox.
type Draft struct {
	Kind  models.Kind         `json:"kind"`
	Plant *models.Plant       `json:"plant,omitempty"`
	Chat  *models.ChatMessage `json:"chat,omitempty"`
}

// Inbox watches one directory.
type Inbox struct {
	dir     string
	creator draftCreator
	logger  *slog.Logger
}

// New creates an Inbox for dir.
func New(dir string, creator draftCreator, logger *slog.Logger) *Inbox {
	return &Inbox{dir: dir, creator: creator, logger: logger}
}

// Watch processes drafts already in the directory, then every draft
// written to it until ctx is cancelled.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	in.logger.Info("inbox watcher started", slog.String("dir", in.dir))

	// Drafts dropped while we were not running.
	in.Scan(ctx)

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isDraft(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			in.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, path)
				in.handleFile(ctx, path)
			}
		}
	}
}

// Scan processes every draft currently in the directory.
func (in *Inbox) Scan(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Warn("reading inbox dir", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.Type().IsRegular() && isDraft(e.Name()) {
			in.handleFile(ctx, filepath.Join(in.dir, e.Name()))
		}
	}
}

func isDraft(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, draftExt) && !strings.HasPrefix(base, ".")
}

// handleFile turns one draft into a record. The file is removed once the
// record is stored, renamed to *.rejected when it can never succeed, and
// left in place when the store is unavailable so a later scan retries.
func (in *Inbox) handleFile(ctx context.Context, path string) {
	data, err := readDraft(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}

	if err != nil {
		in.reject(path, err)
		return
	}

	rec, err := in.create(ctx, data)

	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			in.logger.Warn("removing processed draft", slog.String("path", path), slog.String("error", err.Error()))
		}

		in.logger.Info("draft queued",
			slog.String("file", filepath.Base(path)),
			slog.String("record", rec.Ref().String()),
		)
	case errors.Is(err, apperr.ErrStorageUnavailable):
		in.logger.Warn("draft left for retry", slog.String("path", path), slog.String("error", err.Error()))
	default:
		in.reject(path, err)
	}
}

func readDraft(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDraftBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading draft: %w", err)
	}

	if len(data) > maxDraftBytes {
		return nil, fmt.Errorf("draft exceeds %d bytes: %w", maxDraftBytes, apperr.ErrInvalidPayload)
	}

	return data, nil
}

func (in *Inbox) create(ctx context.Context, data []byte) (models.Record, error) {
	var d Draft

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&d); err != nil {
		return models.Record{}, fmt.Errorf("decoding draft: %w: %w", apperr.ErrInvalidPayload, err)
	}

	switch d.Kind {
	case models.KindPlants:
		if d.Plant == nil {
			return models.Record{}, fmt.Errorf("plant draft without plant: %w", apperr.ErrInvalidPayload)
		}

		return in.creator.CreatePlant(ctx, *d.Plant)
	case models.KindChatMessages:
		if d.Chat == nil {
			return models.Record{}, fmt.Errorf("chat draft without chat: %w", apperr.ErrInvalidPayload)
		}

		return in.creator.CreateChatMessage(ctx, *d.Chat)
	}

	return models.Record{}, fmt.Errorf("draft kind %q: %w", d.Kind, apperr.ErrUnsupportedKind)
}

func (in *Inbox) reject(path string, cause error) {
	in.logger.Warn("rejecting draft",
		slog.String("file", filepath.Base(path)),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(path, path+rejectedExt); err != nil {
		in.logger.Error("renaming rejected draft", slog.String("path", path), slog.String("error", err.Error()))
	}
}
