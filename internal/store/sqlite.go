package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/advisor/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection serializes
	// access and keeps the conditional UPDATE in CompareAndSwap atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Sessions ---

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess     = &models.Session{ID: id}
		messages string
		pending  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, pending_clarification, version, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&messages, &pending, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(messages), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	if sess.Messages == nil {
		sess.Messages = []models.Message{}
	}
	if pending.Valid {
		sess.Pending = &models.Clarification{}
		if err := json.Unmarshal([]byte(pending.String), sess.Pending); err != nil {
			return nil, fmt.Errorf("decode clarification for %s: %w", id, err)
		}
	}
	return sess, nil
}

func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, id string) (*models.Session, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, messages, version, created_at, updated_at)
		VALUES (?, '[]', 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expected int64, next *models.Session) error {
	messages, err := json.Marshal(next.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	var pending sql.NullString
	if next.Pending != nil {
		data, err := json.Marshal(next.Pending)
		if err != nil {
			return fmt.Errorf("encode clarification: %w", err)
		}
		pending = sql.NullString{String: string(data), Valid: true}
	}

	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET messages=?, pending_clarification=?, version=?, message_count=?, preview=?, updated_at=?
		WHERE id=? AND version=?`,
		string(messages), pending, expected+1, len(next.Messages), models.Preview(next.Messages), now,
		id, expected,
	)
	if err != nil {
		return fmt.Errorf("compare and swap: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&count); err != nil {
			return fmt.Errorf("compare and swap: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("compare and swap %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("compare and swap %s (want %d): %w", id, expected, ErrVersionConflict)
	}

	next.Version = expected + 1
	next.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pending_clarification IS NOT NULL, message_count, preview, version, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, opts.limit())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []models.SessionSummary{}
	for rows.Next() {
		var (
			sum      models.SessionSummary
			awaiting bool
		)
		if err := rows.Scan(&sum.ID, &awaiting, &sum.MessageCount, &sum.Preview, &sum.Version, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.State = models.StateIdle
		if awaiting {
			sum.State = models.StateAwaitingClarification
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}
