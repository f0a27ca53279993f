package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

var (
	ErrSnapshotNotFound = errors.New("policy: snapshot not found")
	// ErrSnapshotImmutable is returned when a save reuses a version with
	// different content. Snapshots never change in place.
	ErrSnapshotImmutable = errors.New("policy: snapshot is immutable once compiled")
)

// SQLSnapshotStore persists compiled snapshots by version. Rows are
// immutable: a version is written once, then only ever read. Compiled CEL
// programs are not serializable, so the store keeps the source document
// and recompiles on load; the content hash check proves the recompile saw
// the same input.
type SQLSnapshotStore struct {
	db *sql.DB
}

func NewSQLSnapshotStore(db *sql.DB) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db}
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS policy_snapshots (
	version TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	source TEXT NOT NULL,
	compiled_at TIMESTAMP NOT NULL,
	active BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Init creates the snapshot table if it does not exist.
func (s *SQLSnapshotStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, snapshotSchema)
	return err
}

// Save stores a compiled snapshot. Saving the same version with the same
// content is a no-op; with different content it is rejected.
func (s *SQLSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	src, err := yaml.Marshal(snap.SourceDocument())
	if err != nil {
		return fmt.Errorf("policy: marshal source: %w", err)
	}

	var existingHash string
	err = s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM policy_snapshots WHERE version = $1`, snap.Version,
	).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash != snap.ContentHash {
			return ErrSnapshotImmutable
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_snapshots (version, content_hash, source, compiled_at, active)
		 VALUES ($1, $2, $3, $4, FALSE)`,
		snap.Version, snap.ContentHash, string(src), snap.CompiledAt,
	)
	return err
}

// Load recompiles the snapshot stored under version.
func (s *SQLSnapshotStore) Load(ctx context.Context, version contracts.SnapshotVersion) (*Snapshot, error) {
	var source, contentHash string
	var compiledAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT source, content_hash, compiled_at FROM policy_snapshots WHERE version = $1`,
		version,
	).Scan(&source, &contentHash, &compiledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return rebuild(source, contentHash, compiledAt, version)
}

// Activate marks one version as the active snapshot and deactivates the
// rest. Evaluation always runs against exactly one active version.
func (s *SQLSnapshotStore) Activate(ctx context.Context, version contracts.SnapshotVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE policy_snapshots SET active = (version = $1)`, version)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}

	var active bool
	if err := tx.QueryRowContext(ctx,
		`SELECT active FROM policy_snapshots WHERE version = $1`, version,
	).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSnapshotNotFound
		}
		return err
	}
	return tx.Commit()
}

// Active returns the currently active snapshot. It satisfies the
// kernel's snapshot provider.
func (s *SQLSnapshotStore) Active(ctx context.Context) (*Snapshot, error) {
	return s.LoadActive(ctx)
}

// LoadActive recompiles the currently active snapshot.
func (s *SQLSnapshotStore) LoadActive(ctx context.Context) (*Snapshot, error) {
	var version contracts.SnapshotVersion
	var source, contentHash string
	var compiledAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT version, source, content_hash, compiled_at FROM policy_snapshots WHERE active = TRUE`,
	).Scan(&version, &source, &contentHash, &compiledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return rebuild(source, contentHash, compiledAt, version)
}

func rebuild(source, contentHash string, compiledAt time.Time, version contracts.SnapshotVersion) (*Snapshot, error) {
	src, err := ParseSource([]byte(source))
	if err != nil {
		return nil, err
	}
	snap, err := Compile(src, version)
	if err != nil {
		return nil, err
	}
	if snap.ContentHash != contentHash {
		return nil, fmt.Errorf("policy: snapshot %s content hash mismatch (stored %s, recompiled %s)",
			version, contentHash, snap.ContentHash)
	}
	snap.CompiledAt = compiledAt
	return snap, nil
}
