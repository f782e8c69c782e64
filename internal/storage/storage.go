package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"arclimb/internal/geometry"
	"arclimb/internal/graph"
)

// Drivers understood by New: "sqlite" is the pure-Go modernc driver,
// "sqlite3" the cgo mattn driver.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Store wraps SQLite-backed persistence for the alignment graph and for
// construction jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver and
// ensures schema.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverSQLite3:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases and transactions consistent.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS nodes (
            id TEXT PRIMARY KEY,
            ref TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            added_at TEXT NOT NULL,
            meta_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS edges (
            node_a TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
            node_b TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
            transform_json TEXT NOT NULL,
            confidence REAL NOT NULL,
            support_json TEXT,
            created_at TEXT NOT NULL,
            PRIMARY KEY (node_a, node_b)
        );`,
		`CREATE TABLE IF NOT EXISTS construction_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            nodes_json TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_ref ON nodes(ref);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_node_b ON edges(node_b);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveNode inserts or replaces a node.
func (s *Store) SaveNode(ctx context.Context, n graph.ImageNode) error {
	if s == nil {
		return nil
	}
	return saveNode(ctx, s.DB, n)
}

func saveNode(ctx context.Context, db execer, n graph.ImageNode) error {
	metaJSON, err := json.Marshal(n.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO nodes (id, ref, width, height, added_at, meta_json) VALUES (?, ?, ?, ?, ?, ?);`,
		string(n.ID), n.Ref, n.Size.Width, n.Size.Height, n.AddedAt.UTC().Format(time.RFC3339Nano), string(metaJSON))
	return err
}

// DeleteNode removes a node and its incident edges.
func (s *Store) DeleteNode(ctx context.Context, id graph.NodeID) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE node_a=? OR node_b=?;`, string(id), string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=?;`, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEdge inserts or replaces an edge.
func (s *Store) SaveEdge(ctx context.Context, e *graph.Edge) error {
	if s == nil {
		return nil
	}
	return saveEdge(ctx, s.DB, e)
}

func saveEdge(ctx context.Context, db execer, e *graph.Edge) error {
	transformJSON, err := json.Marshal(e.Transform)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}
	supportJSON, err := json.Marshal(e.Support)
	if err != nil {
		return fmt.Errorf("marshal support: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO edges (node_a, node_b, transform_json, confidence, support_json, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		string(e.A), string(e.B), string(transformJSON), e.Confidence, string(supportJSON), e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// DeleteEdge removes the edge between a and b in either order.
func (s *Store) DeleteEdge(ctx context.Context, a, b graph.NodeID) error {
	if s == nil {
		return nil
	}
	p := graph.MakePair(a, b)
	_, err := s.DB.ExecContext(ctx, `DELETE FROM edges WHERE node_a=? AND node_b=?;`, string(p.A), string(p.B))
	return err
}

// ReplaceGraph overwrites every persisted node and edge with g's.
func (s *Store) ReplaceGraph(ctx context.Context, g *graph.Graph) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM edges;`, `DELETE FROM nodes;`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, n := range g.Nodes() {
		if err := saveNode(ctx, tx, n); err != nil {
			return fmt.Errorf("save node %s: %w", n.ID, err)
		}
	}
	for _, e := range g.Edges() {
		if err := saveEdge(ctx, tx, e); err != nil {
			return fmt.Errorf("save edge %s: %w", e, err)
		}
	}
	return tx.Commit()
}

// LoadGraph rebuilds the persisted graph.
func (s *Store) LoadGraph(ctx context.Context) (*graph.Graph, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	g := graph.New()

	rows, err := s.DB.QueryContext(ctx, `SELECT id, ref, width, height, added_at, meta_json FROM nodes ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n        graph.ImageNode
			id       string
			addedAt  string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&id, &n.Ref, &n.Size.Width, &n.Size.Height, &addedAt, &metaJSON); err != nil {
			return nil, err
		}
		n.ID = graph.NodeID(id)
		if n.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt); err != nil {
			return nil, fmt.Errorf("node %s added_at: %w", id, err)
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &n.Meta); err != nil {
				return nil, fmt.Errorf("node %s meta: %w", id, err)
			}
		}
		if g, err = g.AddNode(n); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	edgeRows, err := s.DB.QueryContext(ctx, `SELECT node_a, node_b, transform_json, confidence, support_json, created_at FROM edges ORDER BY node_a, node_b;`)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var (
			a, b          string
			transformJSON string
			supportJSON   sql.NullString
			createdAt     string
			e             graph.Edge
		)
		if err := edgeRows.Scan(&a, &b, &transformJSON, &e.Confidence, &supportJSON, &createdAt); err != nil {
			return nil, err
		}
		e.A, e.B = graph.NodeID(a), graph.NodeID(b)
		e.Transform = new(geometry.Transform)
		if err := json.Unmarshal([]byte(transformJSON), e.Transform); err != nil {
			return nil, fmt.Errorf("edge %s--%s transform: %w", a, b, err)
		}
		if supportJSON.Valid && supportJSON.String != "" {
			if err := json.Unmarshal([]byte(supportJSON.String), &e.Support); err != nil {
				return nil, fmt.Errorf("edge %s--%s support: %w", a, b, err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("edge %s--%s created_at: %w", a, b, err)
		}
		if g, err = g.AddEdge(&e); err != nil {
			return nil, err
		}
	}
	return g, edgeRows.Err()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	NodesJSON   string     `json:"nodes_json"`
	OptionsJSON string     `json:"options_json"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO construction_jobs (id, job_type, status, nodes_json, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.NodesJSON, rec.OptionsJSON, time.Now().UTC())
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE construction_jobs SET status='running', started_at=? WHERE id=?;`, time.Now().UTC(), id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE construction_jobs SET status=?, completed_at=?, error_message=? WHERE id=?;`, status, time.Now().UTC(), errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json, created_at) VALUES (?, ?, ?);`, id, string(metaJSON), time.Now().UTC())
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, nodes_json, options_json, created_at, started_at, completed_at, error_message FROM construction_jobs ORDER BY created_at DESC, id LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var nodesJSON, optionsJSON, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &nodesJSON, &optionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.NodesJSON = nodesJSON.String
		rec.OptionsJSON = optionsJSON.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
