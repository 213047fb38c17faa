// Package boltsnap persists env snapshots in an embedded bbolt database:
// the daemon's local, file-backed store, opened at start and written
// between ticks.
package boltsnap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/rcpan/core/storage"
)

const (
	dbName           = "rcpan.db"
	dbFilePermission = 0600
)

// migration is a function which takes a prior outdated version of the
// database and mutates the key/bucket structure to arrive at a more
// up-to-date version.
type migration func(tx *bbolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

var (
	// dbVersions stores all versions of the database. If the current
	// version doesn't match the latest, the migrations needed to catch up
	// are applied in order on Open.
	dbVersions = []version{
		{
			// The base DB version requires no migration.
			number:    0,
			migration: nil,
		},
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian

	metaBucket     = []byte("meta")
	replicaBucket  = []byte("replicas")
	versionKey     = []byte("version")
	envMetaKey     = []byte("env")
	jCursorKey     = []byte("jcursor")
)

// DB is the primary datastore for snapshots.
type DB struct {
	*bbolt.DB
	dbPath string
}

// Open opens (creating if needed) the snapshot database under dbPath and
// applies any pending migrations.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: bdb, dbPath: dbPath}
	if err := db.init(); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) init() error {
	return d.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(replicaBucket); err != nil {
			return err
		}

		latest := dbVersions[len(dbVersions)-1].number
		raw := meta.Get(versionKey)
		if raw == nil {
			var vbuf [4]byte
			byteOrder.PutUint32(vbuf[:], latest)
			return meta.Put(versionKey, vbuf[:])
		}
		current := byteOrder.Uint32(raw)
		if current > latest {
			return fmt.Errorf("boltsnap: db version %d newer than code version %d", current, latest)
		}
		for _, v := range dbVersions {
			if v.number <= current || v.migration == nil {
				continue
			}
			if err := v.migration(tx); err != nil {
				return err
			}
		}
		var vbuf [4]byte
		byteOrder.PutUint32(vbuf[:], latest)
		return meta.Put(versionKey, vbuf[:])
	})
}

// SaveMeta persists env-level metadata.
func (d *DB) SaveMeta(meta storage.EnvMeta) error {
	return d.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)

		var buf [8 + 8 + 32]byte
		byteOrder.PutUint64(buf[0:8], meta.Height)
		byteOrder.PutUint64(buf[8:16], meta.Timestamp)
		copy(buf[16:], meta.RuntimeSeed[:])
		if err := b.Put(envMetaKey, buf[:]); err != nil {
			return err
		}

		var cur [12]byte
		byteOrder.PutUint64(cur[0:8], meta.LastBlock)
		byteOrder.PutUint32(cur[8:12], meta.LastLogIndex)
		if err := b.Put(jCursorKey, cur[:]); err != nil {
			return err
		}
		return b.Put([]byte("jurisdiction"), []byte(meta.ActiveJurisdiction))
	})
}

// LoadMeta reads env-level metadata; ok is false for a fresh database.
func (d *DB) LoadMeta() (storage.EnvMeta, bool, error) {
	var meta storage.EnvMeta
	ok := false
	err := d.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		raw := b.Get(envMetaKey)
		if raw == nil {
			return nil
		}
		ok = true
		meta.Height = byteOrder.Uint64(raw[0:8])
		meta.Timestamp = byteOrder.Uint64(raw[8:16])
		copy(meta.RuntimeSeed[:], raw[16:])

		if cur := b.Get(jCursorKey); cur != nil {
			meta.LastBlock = byteOrder.Uint64(cur[0:8])
			meta.LastLogIndex = byteOrder.Uint32(cur[8:12])
		}
		meta.ActiveJurisdiction = string(b.Get([]byte("jurisdiction")))
		return nil
	})
	return meta, ok, err
}

// SaveReplica upserts one replica snapshot keyed by the entity id's bytes
// followed by the signer id, with no separator.
func (d *DB) SaveReplica(snap *storage.ReplicaSnapshot) error {
	raw, err := snap.Encode()
	if err != nil {
		return err
	}
	key := append(append([]byte{}, snap.EntityId[:]...), []byte(snap.SignerId)...)
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(replicaBucket).Put(key, raw)
	})
}

// LoadReplicas reads every persisted replica snapshot.
func (d *DB) LoadReplicas() ([]*storage.ReplicaSnapshot, error) {
	var snaps []*storage.ReplicaSnapshot
	err := d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(replicaBucket).ForEach(func(_, v []byte) error {
			snap, err := storage.DecodeReplicaSnapshot(v)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	return snaps, err
}
