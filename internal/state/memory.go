package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
)

// memBackend keeps records JSON-encoded so callers never share memory
// with the store. Writes go to a copy that replaces the live data only
// when the transaction function succeeds.
type memBackend struct {
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	tables map[models.Kind]map[uint64][]byte
	seq    map[models.Kind]uint64
	meta   map[string]string
}

func newMemBackend() *memBackend {
	d := &memData{
		tables: make(map[models.Kind]map[uint64][]byte),
		seq:    make(map[models.Kind]uint64),
		meta:   make(map[string]string),
	}

	for _, kind := range models.AllKinds {
		d.tables[kind] = make(map[uint64][]byte)
	}

	return &memBackend{data: d}
}

func (d *memData) clone() *memData {
	out := &memData{
		tables: make(map[models.Kind]map[uint64][]byte, len(d.tables)),
		seq:    maps.Clone(d.seq),
		meta:   maps.Clone(d.meta),
	}

	for kind, table := range d.tables {
		out.tables[kind] = maps.Clone(table)
	}

	return out
}

func (b *memBackend) view(fn func(Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return fn(&memTx{d: b.data, readOnly: true})
}

func (b *memBackend) update(fn func(Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	work := b.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}

	b.data = work

	return nil
}

func (b *memBackend) close() error { return nil }

type memTx struct {
	d        *memData
	readOnly bool
}

var errReadOnly = fmt.Errorf("write in read-only transaction")

func (t *memTx) table(kind models.Kind) (map[uint64][]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", kind, apperr.ErrUnsupportedKind)
	}

	return t.d.tables[kind], nil
}

func (t *memTx) Put(kind models.Kind, rec *models.Record) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}

	table, err := t.table(kind)
	if err != nil {
		return 0, err
	}

	if rec.LocalID == 0 {
		t.d.seq[kind]++
		rec.LocalID = t.d.seq[kind]
	} else if rec.LocalID > t.d.seq[kind] {
		t.d.seq[kind] = rec.LocalID
	}

	rec.Kind = kind

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding record: %w", err)
	}

	table[rec.LocalID] = data

	return rec.LocalID, nil
}

func (t *memTx) Get(kind models.Kind, id uint64) (*models.Record, error) {
	table, err := t.table(kind)
	if err != nil {
		return nil, err
	}

	v, ok := table[id]
	if !ok {
		return nil, nil
	}

	rec := &models.Record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%d: %w", kind, id, err)
	}

	return rec, nil
}

func (t *memTx) Delete(kind models.Kind, id uint64) error {
	if t.readOnly {
		return errReadOnly
	}

	table, err := t.table(kind)
	if err != nil {
		return err
	}

	delete(table, id)

	return nil
}

func (t *memTx) ForEach(kind models.Kind, fn func(models.Record) error) error {
	table, err := t.table(kind)
	if err != nil {
		return err
	}

	for _, id := range slices.Sorted(maps.Keys(table)) {
		var rec models.Record
		if err := json.Unmarshal(table[id], &rec); err != nil {
			return fmt.Errorf("decoding %s/%d: %w", kind, id, err)
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

func (t *memTx) FindRemote(kind models.Kind, serverID string) (*models.Record, error) {
	var found *models.Record

	err := t.ForEach(kind, func(rec models.Record) error {
		if found == nil && rec.Origin == models.OriginRemote && rec.ServerID == serverID {
			found = &rec
		}

		return nil
	})

	return found, err
}

func (t *memTx) GetMeta(key string) (string, error) {
	return t.d.meta[key], nil
}

func (t *memTx) SetMeta(key, value string) error {
	if t.readOnly {
		return errReadOnly
	}

	t.d.meta[key] = value

	return nil
}
