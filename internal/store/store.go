// Package store implements the knowledge store: a durable, queryable
// repository of findings, hypotheses and tasks with evidence links.
//
// The primary log lives in SQLite and is append-only. A secondary
// relationship index mirrors entities into a node/edge table pair for
// graph-shaped queries; the mirror is best-effort and every query that
// uses it has a linear-scan fallback over the primary log, slower but
// still correct.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrCorrupt marks store-level integrity violations. Fatal: the run must
// stop rather than continue against an inconsistent store.
var ErrCorrupt = errors.New("knowledge store corrupt")

// ErrNotFound is returned for lookups of unknown ids.
var ErrNotFound = errors.New("not found")

// Store manages the SQLite-backed knowledge repository and the on-disk
// artifact layout.
type Store struct {
	db          *sql.DB
	dbPath      string
	artifactDir string

	// indexMu serializes all secondary-index mutations. The primary log
	// accepts concurrent writers (each write is independently keyed);
	// the mirror does not, or concurrent ingestion loses edges.
	indexMu sync.Mutex

	// indexHealthy is flipped off after the first mirror failure; from
	// then on graph queries use the primary-log fallback.
	indexHealthy bool

	// taskSeq provides cycle-ordered sequence numbers for task inserts.
	seqMu   sync.Mutex
	taskSeq map[int]int
}

// NewStore opens (creating if needed) the knowledge database at dbPath and
// anchors the artifact layout at artifactDir.
func NewStore(dbPath, artifactDir string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if artifactDir != "" {
		if err := os.MkdirAll(artifactDir, 0755); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so subsequent pragmas wait on locks instead of
	// failing during concurrent initialization of the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		artifactDir:  artifactDir,
		indexHealthy: true,
		taskSeq:      make(map[int]int),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

// initSchema applies the embedded schema. All statements are idempotent.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// execWithRetry executes a statement with exponential backoff on lock
// errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := db.Exec(stmt); err == nil {
			return nil
		} else if !strings.Contains(err.Error(), "database is locked") {
			return err
		} else {
			lastErr = err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return lastErr
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArtifactDir returns the root of the per-cycle artifact layout.
func (s *Store) ArtifactDir() string {
	return s.artifactDir
}

// IndexHealthy reports whether the secondary relationship index is still
// being maintained.
func (s *Store) IndexHealthy() bool {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.indexHealthy
}

// nextTaskSeq hands out monotonically increasing per-cycle sequence
// numbers so task ids stay cycle-ordered.
func (s *Store) nextTaskSeq(ctx context.Context, cycle int) (int, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if _, ok := s.taskSeq[cycle]; !ok {
		var max sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			"SELECT MAX(seq) FROM tasks WHERE cycle = ?", cycle).Scan(&max)
		if err != nil {
			return 0, fmt.Errorf("query task sequence: %w", err)
		}
		s.taskSeq[cycle] = int(max.Int64)
	}
	s.taskSeq[cycle]++
	return s.taskSeq[cycle], nil
}
