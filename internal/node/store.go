package node

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists Nodes and Edges to SQL and to a JSON object store, one
// file per node version, keyed YYYY/MM/<node-id>-v<version>.json.
type Store struct {
	db       *sql.DB
	objectDir string
	mu       sync.Mutex // serializes upsert's SQL+filesystem two-phase write
}

// Open opens the node/edge database (creating tables as needed) and
// prepares the JSON object store root directory.
func Open(dbPath, objectDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open node database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := os.MkdirAll(objectDir, 0o750); err != nil {
		db.Close()
		return nil, fmt.Errorf("create object store dir: %w", err)
	}

	s := &Store{db: db, objectDir: objectDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate node database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id            TEXT NOT NULL,
	version       INTEGER NOT NULL,
	project       TEXT,
	node_type     TEXT,
	summary       TEXT,
	outcome       TEXT,
	session_file  TEXT,
	started_at    DATETIME,
	completed_at  DATETIME,
	analyzer_version TEXT,
	data          TEXT NOT NULL,
	PRIMARY KEY (id, version)
);
CREATE TABLE IF NOT EXISTS edges (
	id        TEXT PRIMARY KEY,
	from_id   TEXT NOT NULL,
	to_id     TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);

-- Auxiliary tables written only by external collaborators (pattern/insight
-- views, semantic search indexing); the core never reads or writes them,
-- but owns their schema so those collaborators have somewhere to land.
CREATE TABLE IF NOT EXISTS lessons (
	id TEXT PRIMARY KEY, node_id TEXT NOT NULL, scope TEXT NOT NULL, text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS model_quirks (
	id TEXT PRIMARY KEY, node_id TEXT NOT NULL, model TEXT NOT NULL, quirk TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_errors (
	id TEXT PRIMARY KEY, node_id TEXT NOT NULL, tool TEXT NOT NULL, error TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregated_insights (
	id TEXT PRIMARY KEY, generated_at DATETIME NOT NULL, kind TEXT NOT NULL, data TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertResult reports whether Upsert inserted the first version of a node
// (created=true) or added/overwrote a later version (created=false).
type UpsertResult struct {
	Created bool
}

// Upsert writes n atomically to both SQL and the JSON object store. It is
// idempotent: re-invoking with an identical node and version is a no-op
// overwrite, never a duplicate insert, so a retry after a crash between the
// SQL write and the JSON write cannot double-insert.
func (s *Store) Upsert(n *Node) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	err := s.db.QueryRow(`SELECT 1 FROM nodes WHERE id = ? AND version = ?`, n.ID, n.Version).Scan(&existing)
	created := false
	switch {
	case isNoRows(err):
		var anyVersion int
		verErr := s.db.QueryRow(`SELECT 1 FROM nodes WHERE id = ? LIMIT 1`, n.ID).Scan(&anyVersion)
		created = isNoRows(verErr)
	case err == nil:
		created = false
	default:
		return UpsertResult{}, fmt.Errorf("check existing node: %w", err)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshal node: %w", err)
	}

	// JSON object store first: writing the immutable artifact before the
	// SQL row means a crash between the two steps leaves, at worst, an
	// orphan file — never a SQL row pointing at a missing file.
	if err := s.writeObject(n, data); err != nil {
		return UpsertResult{}, fmt.Errorf("write node object: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (id, version, project, node_type, summary, outcome, session_file,
			started_at, completed_at, analyzer_version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			project=excluded.project, node_type=excluded.node_type, summary=excluded.summary,
			outcome=excluded.outcome, session_file=excluded.session_file,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			analyzer_version=excluded.analyzer_version, data=excluded.data`,
		n.ID, n.Version, n.Classification.Project, n.Classification.Type, n.Content.Summary,
		n.Content.Outcome, n.Source.SessionFile, n.Metadata.StartedAt, n.Metadata.CompletedAt,
		n.Metadata.AnalyzerVersion, string(data))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert node row: %w", err)
	}

	return UpsertResult{Created: created}, nil
}

// objectPath returns the YYYY/MM/<node-id>-v<version>.json path for n,
// rooted at the creation time recorded in its metadata.
func (s *Store) objectPath(n *Node) string {
	ts := n.Metadata.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	dir := filepath.Join(s.objectDir, ts.Format("2006"), ts.Format("01"))
	return filepath.Join(dir, fmt.Sprintf("%s-v%d.json", n.ID, n.Version))
}

func (s *Store) writeObject(n *Node, data []byte) error {
	path := s.objectPath(n)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetNode reads the latest version of a node from SQL.
func (s *Store) GetNode(id string) (*Node, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM nodes WHERE id = ? ORDER BY version DESC LIMIT 1`, id).Scan(&data)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("unmarshal node %s: %w", id, err)
	}
	return &n, nil
}

// GetLatestNodeForProject returns the most recent node in project whose
// Metadata.CompletedAt is strictly before `before`, or nil if none exists.
func (s *Store) GetLatestNodeForProject(project string, before time.Time) (*Node, error) {
	var data string
	err := s.db.QueryRow(`
		SELECT data FROM nodes
		WHERE project = ? AND completed_at < ?
		ORDER BY completed_at DESC LIMIT 1`, project, before).Scan(&data)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest node for project %s: %w", project, err)
	}
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns up to limit nodes (latest version each), newest first.
func (s *Store) ListNodes(limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT data FROM nodes n
		WHERE version = (SELECT MAX(version) FROM nodes WHERE id = n.id)
		ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var n Node
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// CreateStructuralEdge creates a directed edge from predecessorID to
// nodeID, typed from the job's boundaryType.
func (s *Store) CreateStructuralEdge(predecessorID, nodeID, boundaryType string) (*Edge, error) {
	id := uuid.NewString()
	e := &Edge{
		ID:        id,
		FromID:    predecessorID,
		ToID:      nodeID,
		Type:      boundaryEdgeType(boundaryType),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO edges (id, from_id, to_id, edge_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.FromID, e.ToID, string(e.Type), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create structural edge: %w", err)
	}
	return e, nil
}

// CreateSemanticEdge creates a directed "semantic" edge discovered by the
// connection discoverer, independent of the structural boundaryType mapping.
func (s *Store) CreateSemanticEdge(fromID, toID string) (*Edge, error) {
	e := &Edge{
		ID:        uuid.NewString(),
		FromID:    fromID,
		ToID:      toID,
		Type:      EdgeSemantic,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO edges (id, from_id, to_id, edge_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.FromID, e.ToID, string(e.Type), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create semantic edge: %w", err)
	}
	return e, nil
}

// GetEdgesForNode returns all edges touching nodeID, in either direction.
func (s *Store) GetEdgesForNode(nodeID string) ([]*Edge, error) {
	rows, err := s.db.Query(`
		SELECT id, from_id, to_id, edge_type, created_at FROM edges
		WHERE from_id = ? OR to_id = ?
		ORDER BY created_at ASC`, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		var e Edge
		var typ string
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &typ, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EdgeType(typ)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// isNoRows reports whether err is (or wraps, via string match, a driver
// error carrying) sql.ErrNoRows, letting "not found" callers like GetNode
// and Upsert tell a missing row apart from a genuine query failure.
func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), sql.ErrNoRows.Error())
}
