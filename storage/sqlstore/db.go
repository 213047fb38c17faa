// Package sqlstore persists the state layout in PostgreSQL for
// deployments that want replicas durable outside the daemon host. Schema
// management runs through golang-migrate on Open; row access goes through
// pgx directly.
package sqlstore

import (
	"context"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a PostgreSQL-backed snapshot store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and brings the schema up to date.
func Open(ctx context.Context, dsn string) (*Store, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return nil, srcErr
	}
	if dbErr != nil {
		return nil, dbErr
	}

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveMeta upserts the env-level metadata row.
func (s *Store) SaveMeta(ctx context.Context, meta storage.EnvMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO env_meta (id, runtime_seed, height, ts, active_jurisdiction, last_block, last_log_index)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			runtime_seed = EXCLUDED.runtime_seed,
			height = EXCLUDED.height,
			ts = EXCLUDED.ts,
			active_jurisdiction = EXCLUDED.active_jurisdiction,
			last_block = EXCLUDED.last_block,
			last_log_index = EXCLUDED.last_log_index`,
		meta.RuntimeSeed[:], int64(meta.Height), int64(meta.Timestamp),
		meta.ActiveJurisdiction, int64(meta.LastBlock), int32(meta.LastLogIndex))
	return err
}

// LoadMeta reads the env-level metadata; ok is false for a fresh database.
func (s *Store) LoadMeta(ctx context.Context) (storage.EnvMeta, bool, error) {
	var meta storage.EnvMeta
	var seed []byte
	var height, ts, lastBlock int64
	var lastLogIndex int32
	err := s.pool.QueryRow(ctx, `
		SELECT runtime_seed, height, ts, active_jurisdiction, last_block, last_log_index
		FROM env_meta WHERE id = 1`).
		Scan(&seed, &height, &ts, &meta.ActiveJurisdiction, &lastBlock, &lastLogIndex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta, false, nil
		}
		return meta, false, err
	}
	copy(meta.RuntimeSeed[:], seed)
	meta.Height = uint64(height)
	meta.Timestamp = uint64(ts)
	meta.LastBlock = uint64(lastBlock)
	meta.LastLogIndex = uint32(lastLogIndex)
	return meta, true, nil
}

// SaveReplica upserts one replica snapshot.
func (s *Store) SaveReplica(ctx context.Context, snap *storage.ReplicaSnapshot) error {
	raw, err := snap.Encode()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO replicas (entity_id, signer_id, snapshot, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (entity_id, signer_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			updated_at = now()`,
		snap.EntityId[:], string(snap.SignerId), raw)
	return err
}

// LoadReplicas reads every persisted replica snapshot.
func (s *Store) LoadReplicas(ctx context.Context) ([]*storage.ReplicaSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM replicas ORDER BY entity_id, signer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*storage.ReplicaSnapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		snap, err := storage.DecodeReplicaSnapshot(raw)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteReplica removes a torn-down replica's row.
func (s *Store) DeleteReplica(ctx context.Context, entityId ids.EntityId, signerId ids.SignerId) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM replicas WHERE entity_id = $1 AND signer_id = $2`,
		entityId[:], string(signerId))
	return err
}
