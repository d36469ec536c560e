package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default snapshot database location.
const DefaultDBPath = "~/.docpulse/docpulse.db"

const schema = `
CREATE TABLE IF NOT EXISTS facts (
	id              TEXT PRIMARY KEY,
	value           TEXT NOT NULL,
	cluster_id      TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	confidence      TEXT NOT NULL,
	update_count    INTEGER NOT NULL DEFAULT 0,
	last_updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS clusters (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	cluster_type  TEXT NOT NULL DEFAULT '',
	semantic_rule TEXT NOT NULL DEFAULT '',
	is_active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS cluster_facts (
	cluster_id TEXT NOT NULL,
	fact_id    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	PRIMARY KEY (cluster_id, fact_id)
);

CREATE TABLE IF NOT EXISTS relationships (
	id               TEXT PRIMARY KEY,
	cluster_id       TEXT NOT NULL,
	source_fact_id   TEXT NOT NULL,
	target_fact_id   TEXT NOT NULL,
	rel_type         TEXT NOT NULL,
	calculation_rule TEXT NOT NULL DEFAULT '',
	dependency_order INTEGER NOT NULL DEFAULT 0,
	anchor_set       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_facts_cluster ON facts(cluster_id);
CREATE INDEX IF NOT EXISTS idx_relationships_cluster ON relationships(cluster_id);
`

// SQLiteStore persists arena snapshots. The engine itself never touches it;
// it exists for collaborators that need durable state across runs.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) a snapshot database at path.
// Pass ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBPath
	}
	path = expandUserPath(path)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db %s: %w", path, err)
	}
	// One connection only. SQLite allows a single writer, and with :memory:
	// every pooled connection would be a separate empty database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the resolved database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// GetDB exposes the raw handle for callers with bespoke queries.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// SaveSnapshot replaces the persisted state with the given snapshot inside a
// single transaction. Either the whole snapshot lands or nothing changes.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"cluster_facts", "relationships", "clusters", "facts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, f := range snap.Facts {
		ts := ""
		if !f.LastUpdatedAt.IsZero() {
			ts = f.LastUpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, value, cluster_id, role, confidence, update_count, last_updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.Value, f.ClusterID, string(f.Role), string(f.Confidence), f.UpdateCount, ts,
		); err != nil {
			return fmt.Errorf("inserting fact %s: %w", f.ID, err)
		}
	}

	for _, c := range snap.Clusters {
		active := 0
		if c.IsActive {
			active = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (id, name, cluster_type, semantic_rule, is_active)
			 VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Type, c.SemanticRule, active,
		); err != nil {
			return fmt.Errorf("inserting cluster %s: %w", c.ID, err)
		}
		for i, factID := range c.FactIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cluster_facts (cluster_id, fact_id, position) VALUES (?, ?, ?)`,
				c.ID, factID, i,
			); err != nil {
				return fmt.Errorf("inserting membership %s/%s: %w", c.ID, factID, err)
			}
		}
	}

	for _, r := range snap.Relationships {
		anchor := 0
		if r.AnchorSet {
			anchor = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relationships (id, cluster_id, source_fact_id, target_fact_id, rel_type, calculation_rule, dependency_order, anchor_set)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ClusterID, r.SourceFactID, r.TargetFactID, string(r.Type),
			r.CalculationRule, r.DependencyOrder, anchor,
		); err != nil {
			return fmt.Errorf("inserting relationship %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot save: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted state back into a snapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, cluster_id, role, confidence, update_count, last_updated_at
		 FROM facts ORDER BY id ASC`,
	)
	if err != nil {
		return snap, fmt.Errorf("loading facts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f Fact
		var ts string
		if err := rows.Scan(&f.ID, &f.Value, &f.ClusterID, &f.Role, &f.Confidence, &f.UpdateCount, &ts); err != nil {
			return snap, fmt.Errorf("scanning fact: %w", err)
		}
		if ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				f.LastUpdatedAt = t
			}
		}
		snap.Facts = append(snap.Facts, f)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterating facts: %w", err)
	}

	clusterRows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cluster_type, semantic_rule, is_active FROM clusters ORDER BY id ASC`,
	)
	if err != nil {
		return snap, fmt.Errorf("loading clusters: %w", err)
	}
	defer clusterRows.Close()
	for clusterRows.Next() {
		var c Cluster
		var active int
		if err := clusterRows.Scan(&c.ID, &c.Name, &c.Type, &c.SemanticRule, &active); err != nil {
			return snap, fmt.Errorf("scanning cluster: %w", err)
		}
		c.IsActive = active != 0
		snap.Clusters = append(snap.Clusters, c)
	}
	if err := clusterRows.Err(); err != nil {
		return snap, fmt.Errorf("iterating clusters: %w", err)
	}
	clusterRows.Close()

	// Memberships come in a single pass after the cluster cursor is closed,
	// so the load never needs two live statements on the one connection.
	members, err := s.loadMemberships(ctx)
	if err != nil {
		return snap, err
	}
	for i := range snap.Clusters {
		snap.Clusters[i].FactIDs = members[snap.Clusters[i].ID]
	}

	relRows, err := s.db.QueryContext(ctx,
		`SELECT id, cluster_id, source_fact_id, target_fact_id, rel_type, calculation_rule, dependency_order, anchor_set
		 FROM relationships ORDER BY id ASC`,
	)
	if err != nil {
		return snap, fmt.Errorf("loading relationships: %w", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var r Relationship
		var anchor int
		if err := relRows.Scan(&r.ID, &r.ClusterID, &r.SourceFactID, &r.TargetFactID,
			&r.Type, &r.CalculationRule, &r.DependencyOrder, &anchor); err != nil {
			return snap, fmt.Errorf("scanning relationship: %w", err)
		}
		r.AnchorSet = anchor != 0
		snap.Relationships = append(snap.Relationships, r)
	}
	if err := relRows.Err(); err != nil {
		return snap, fmt.Errorf("iterating relationships: %w", err)
	}

	return snap, nil
}

// LoadArena is a convenience wrapper building an arena straight from disk.
func (s *SQLiteStore) LoadArena(ctx context.Context) (*Arena, error) {
	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap), nil
}

func (s *SQLiteStore) loadMemberships(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, fact_id FROM cluster_facts ORDER BY cluster_id ASC, position ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}
	defer rows.Close()

	members := make(map[string][]string)
	for rows.Next() {
		var clusterID, factID string
		if err := rows.Scan(&clusterID, &factID); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		members[clusterID] = append(members[clusterID], factID)
	}
	return members, rows.Err()
}

func expandUserPath(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
