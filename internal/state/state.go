// Package state is the local durable store: one table per record kind,
// keyed by local id, holding the record payload and its sync metadata.
// It has no business logic beyond persistence.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.plantsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// backend runs functions inside read-only or read-write transactions.
// An error returned by fn aborts the transaction.
type backend interface {
	view(fn func(Tx) error) error
	update(fn func(Tx) error) error
	close() error
}

// Store is the local durable store. Every method is atomic with respect
// to the records it touches.
type Store struct {
	b backend
}

// Load opens the store at ~/.plantsync/state.db.
func Load() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a bbolt-backed store at path, creating it if needed and
// running schema migrations. Failures wrap ErrStorageUnavailable.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w: %w", apperr.ErrStorageUnavailable, err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w: %w", apperr.ErrStorageUnavailable, err)
	}

	if err := db.Update(migrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state db: %w: %w", apperr.ErrStorageUnavailable, err)
	}

	return &Store{b: &boltBackend{db: db}}, nil
}

// NewMemory returns a store that lives only in memory. Used when the
// durable store cannot be opened, and in tests.
func NewMemory() *Store {
	return &Store{b: newMemBackend()}
}

// DefaultPath returns ~/.plantsync/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".plantsync", "state.db"), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.b.close()
}

// Put writes rec into the table for kind. A zero LocalID is assigned
// from the table's sequence before the write. Returns the local id.
func (s *Store) Put(kind models.Kind, rec *models.Record) (uint64, error) {
	var id uint64

	err := s.b.update(func(tx Tx) error {
		var err error
		id, err = tx.Put(kind, rec)

		return err
	})

	return id, err
}

// Get returns the record with the given local id, or nil if absent.
func (s *Store) Get(kind models.Kind, id uint64) (*models.Record, error) {
	var rec *models.Record

	err := s.b.view(func(tx Tx) error {
		var err error
		rec, err = tx.Get(kind, id)

		return err
	})

	return rec, err
}

// GetAll returns every record of kind in ascending local id order.
func (s *Store) GetAll(kind models.Kind) ([]models.Record, error) {
	var out []models.Record

	err := s.b.view(func(tx Tx) error {
		return tx.ForEach(kind, func(rec models.Record) error {
			out = append(out, rec)
			return nil
		})
	})

	return out, err
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(kind models.Kind, id uint64) error {
	return s.b.update(func(tx Tx) error {
		return tx.Delete(kind, id)
	})
}

// Update applies fn to the stored record inside a single transaction.
// Returns ErrRecordNotFound when the record does not exist. An error
// from fn leaves the record unchanged.
func (s *Store) Update(kind models.Kind, id uint64, fn func(*models.Record) error) error {
	return s.b.update(func(tx Tx) error {
		return UpdateTx(tx, kind, id, fn)
	})
}

// Batch runs fn in one read-write transaction. Either every write made
// through tx is applied or none is.
func (s *Store) Batch(fn func(tx Tx) error) error {
	return s.b.update(fn)
}

// Pending returns local-origin records of kind that are queued for
// upload (pending or failed, not rejected), in creation order.
func (s *Store) Pending(kind models.Kind) ([]models.Record, error) {
	var out []models.Record

	err := s.b.view(func(tx Tx) error {
		return tx.ForEach(kind, func(rec models.Record) error {
			if rec.Origin == models.OriginLocal && rec.SyncStatus.Queued() && !rec.Rejected {
				out = append(out, rec)
			}

			return nil
		})
	})

	return out, err
}

// PendingCount returns the number of local records across uploadable
// kinds that have not yet been confirmed by the remote authority.
// Rejected records are excluded; they need the user's attention rather
// than a sync.
func (s *Store) PendingCount() (int, error) {
	count := 0

	err := s.b.view(func(tx Tx) error {
		for _, kind := range models.SyncKinds {
			err := tx.ForEach(kind, func(rec models.Record) error {
				if rec.Origin == models.OriginLocal && rec.SyncStatus != models.StatusSynced && !rec.Rejected {
					count++
				}

				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return count, err
}

// Retire deletes superseded local records. Ids that no longer exist
// are skipped, so retiring twice is harmless. Returns how many records
// were actually removed.
func (s *Store) Retire(kind models.Kind, ids ...uint64) (int, error) {
	removed := 0

	err := s.b.update(func(tx Tx) error {
		removed = 0

		for _, id := range ids {
			rec, err := tx.Get(kind, id)
			if err != nil {
				return err
			}

			if rec == nil {
				continue
			}

			if err := tx.Delete(kind, id); err != nil {
				return err
			}

			removed++
		}

		return nil
	})

	return removed, err
}

// UpsertRemote stores a remote-origin record, replacing any earlier
// copy with the same server id. Returns the local id.
func (s *Store) UpsertRemote(kind models.Kind, rec *models.Record) (uint64, error) {
	var id uint64

	err := s.b.update(func(tx Tx) error {
		var err error
		id, err = UpsertRemoteTx(tx, kind, rec)

		return err
	})

	return id, err
}

// GetMeta returns a metadata value, or "" when unset.
func (s *Store) GetMeta(key string) (string, error) {
	var v string

	err := s.b.view(func(tx Tx) error {
		var err error
		v, err = tx.GetMeta(key)

		return err
	})

	return v, err
}

// UpdateTx is Update for callers already inside a Batch.
func UpdateTx(tx Tx, kind models.Kind, id uint64, fn func(*models.Record) error) error {
	rec, err := tx.Get(kind, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("%s/%d: %w", kind, id, apperr.ErrRecordNotFound)
	}

	if err := fn(rec); err != nil {
		return err
	}

	rec.LocalID = id

	_, err = tx.Put(kind, rec)

	return err
}

// UpsertRemoteTx is UpsertRemote for callers already inside a Batch.
func UpsertRemoteTx(tx Tx, kind models.Kind, rec *models.Record) (uint64, error) {
	if rec.ServerID == "" {
		return 0, fmt.Errorf("remote record without server id: %w", apperr.ErrInvalidPayload)
	}

	rec.Origin = models.OriginRemote
	rec.SyncStatus = models.StatusSynced

	existing, err := tx.FindRemote(kind, rec.ServerID)
	if err != nil {
		return 0, err
	}

	if existing != nil {
		rec.LocalID = existing.LocalID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	} else {
		rec.LocalID = 0
	}

	return tx.Put(kind, rec)
}

// storageErr wraps backend failures so callers can detect them with
// errors.Is(err, ErrStorageUnavailable). Errors already classified by
// the caller's function are returned as-is.
func storageErr(err, fnErr error) error {
	if err == nil {
		return nil
	}

	if fnErr != nil && errors.Is(err, fnErr) {
		return err
	}

	return fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
}
