package state

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// schemaVersion is the layout written by this build. Migrations rewrite
// values in place and never renumber keys, so local ids survive
// upgrades.
const schemaVersion = 2

var schemaVersionKey = []byte("schema_version")

// migrations[i] upgrades a database from version i to i+1.
var migrations = []func(tx *bolt.Tx) error{
	migrateCreateRecordBuckets,
	migrateRemoteIndexAndKeys,
}

// migrate brings the database up to schemaVersion inside one
// transaction. A database written by a newer build is refused.
func migrate(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}

	current := 0
	if v := meta.Get(schemaVersionKey); v != nil {
		current, err = strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("parsing schema version %q: %w", v, err)
		}
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema %d is newer than supported %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		if err := migrations[v](tx); err != nil {
			return fmt.Errorf("migrating schema %d -> %d: %w", v, v+1, err)
		}
	}

	return meta.Put(schemaVersionKey, []byte(strconv.Itoa(schemaVersion)))
}

func migrateCreateRecordBuckets(tx *bolt.Tx) error {
	for _, kind := range models.AllKinds {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket(kind)); err != nil {
			return err
		}
	}

	return nil
}

// migrateRemoteIndexAndKeys adds the server id index for remote copies
// and gives every local record an idempotency key.
func migrateRemoteIndexAndKeys(tx *bolt.Tx) error {
	for _, kind := range models.AllKinds {
		b := tx.Bucket(recordsBucket(kind))
		if b == nil {
			continue
		}

		idx, err := tx.CreateBucketIfNotExists(remoteIndexBucket(kind))
		if err != nil {
			return err
		}

		rewrites := make(map[uint64][]byte)

		err = b.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s/%d: %w", kind, btoi(k), err)
			}

			if rec.Origin == models.OriginRemote && rec.ServerID != "" {
				if err := idx.Put([]byte(rec.ServerID), k); err != nil {
					return err
				}
			}

			if rec.Origin == models.OriginLocal && rec.IdempotencyKey == "" {
				rec.IdempotencyKey = uuid.NewString()

				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}

				rewrites[btoi(k)] = data
			}

			return nil
		})
		if err != nil {
			return err
		}

		for id, data := range rewrites {
			if err := b.Put(itob(id), data); err != nil {
				return err
			}
		}
	}

	return nil
}
