package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("meta")

func recordsBucket(kind models.Kind) []byte {
	return []byte("records:" + string(kind))
}

// remoteIndexBucket maps server id -> local id for remote-origin records.
func remoteIndexBucket(kind models.Kind) []byte {
	return []byte("index:" + string(kind) + ":remote")
}

// itob encodes a local id as a big-endian key so bucket iteration
// yields records in creation order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Tx is the set of record operations available inside a transaction.
// ForEach callbacks must not write to the same kind; collect first.
type Tx interface {
	Put(kind models.Kind, rec *models.Record) (uint64, error)
	Get(kind models.Kind, id uint64) (*models.Record, error)
	Delete(kind models.Kind, id uint64) error
	ForEach(kind models.Kind, fn func(models.Record) error) error
	FindRemote(kind models.Kind, serverID string) (*models.Record, error)
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

type boltBackend struct {
	db *bolt.DB
}

func (b *boltBackend) view(fn func(Tx) error) error {
	var fnErr error

	err := b.db.View(func(tx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})

	return storageErr(err, fnErr)
}

func (b *boltBackend) update(fn func(Tx) error) error {
	var fnErr error

	err := b.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})

	return storageErr(err, fnErr)
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(kind models.Kind) (*bolt.Bucket, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", kind, apperr.ErrUnsupportedKind)
	}

	b := t.tx.Bucket(recordsBucket(kind))
	if b == nil {
		return nil, fmt.Errorf("records bucket not initialized for %s: %w", kind, apperr.ErrStorageUnavailable)
	}

	return b, nil
}

func (t *boltTx) Put(kind models.Kind, rec *models.Record) (uint64, error) {
	b, err := t.bucket(kind)
	if err != nil {
		return 0, err
	}

	if rec.LocalID == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return 0, boltErr("allocating local id", err)
		}

		rec.LocalID = seq
	} else if rec.LocalID > b.Sequence() {
		// Keep the sequence ahead of explicitly numbered rows so ids
		// are never handed out twice.
		if err := b.SetSequence(rec.LocalID); err != nil {
			return 0, boltErr("advancing local id sequence", err)
		}
	}

	rec.Kind = kind

	prev, err := t.Get(kind, rec.LocalID)
	if err != nil {
		return 0, err
	}

	idx := t.tx.Bucket(remoteIndexBucket(kind))

	if prev != nil && prev.Origin == models.OriginRemote && prev.ServerID != "" && idx != nil {
		if err := idx.Delete([]byte(prev.ServerID)); err != nil {
			return 0, boltErr("updating remote index", err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding record: %w", err)
	}

	if err := b.Put(itob(rec.LocalID), data); err != nil {
		return 0, boltErr("writing record", err)
	}

	if rec.Origin == models.OriginRemote && rec.ServerID != "" && idx != nil {
		if err := idx.Put([]byte(rec.ServerID), itob(rec.LocalID)); err != nil {
			return 0, boltErr("updating remote index", err)
		}
	}

	return rec.LocalID, nil
}

func (t *boltTx) Get(kind models.Kind, id uint64) (*models.Record, error) {
	b, err := t.bucket(kind)
	if err != nil {
		return nil, err
	}

	v := b.Get(itob(id))
	if v == nil {
		return nil, nil
	}

	rec := &models.Record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%d: %w: %w", kind, id, apperr.ErrStorageUnavailable, err)
	}

	rec.Kind = kind
	rec.LocalID = id

	return rec, nil
}

func (t *boltTx) Delete(kind models.Kind, id uint64) error {
	prev, err := t.Get(kind, id)
	if err != nil || prev == nil {
		return err
	}

	b, err := t.bucket(kind)
	if err != nil {
		return err
	}

	if prev.Origin == models.OriginRemote && prev.ServerID != "" {
		if idx := t.tx.Bucket(remoteIndexBucket(kind)); idx != nil {
			if err := idx.Delete([]byte(prev.ServerID)); err != nil {
				return boltErr("updating remote index", err)
			}
		}
	}

	return boltErr("deleting record", b.Delete(itob(id)))
}

func (t *boltTx) ForEach(kind models.Kind, fn func(models.Record) error) error {
	b, err := t.bucket(kind)
	if err != nil {
		return err
	}

	return b.ForEach(func(k, v []byte) error {
		var rec models.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding %s/%d: %w: %w", kind, btoi(k), apperr.ErrStorageUnavailable, err)
		}

		rec.Kind = kind
		rec.LocalID = btoi(k)

		return fn(rec)
	})
}

func (t *boltTx) FindRemote(kind models.Kind, serverID string) (*models.Record, error) {
	idx := t.tx.Bucket(remoteIndexBucket(kind))
	if idx == nil {
		return nil, nil
	}

	v := idx.Get([]byte(serverID))
	if v == nil {
		return nil, nil
	}

	return t.Get(kind, btoi(v))
}

func (t *boltTx) GetMeta(key string) (string, error) {
	b := t.tx.Bucket(metaBucket)
	if b == nil {
		return "", nil
	}

	return string(b.Get([]byte(key))), nil
}

func (t *boltTx) SetMeta(key, value string) error {
	b := t.tx.Bucket(metaBucket)
	if b == nil {
		return fmt.Errorf("meta bucket not initialized: %w", apperr.ErrStorageUnavailable)
	}

	return boltErr("writing meta "+key, b.Put([]byte(key), []byte(value)))
}

// boltErr classifies a bbolt failure at the point it happens. Errors
// returned from a transaction function are passed through unchanged,
// so an unwrapped one would lose its ErrStorageUnavailable mark.
func boltErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStorageUnavailable, err)
}
