// Package sqlstore is a SQLite-backed engine for the store.MessageStore
// contract, used for local and offline deployments. Subscriptions
// re-run their query after every mutation so each notification carries
// the full current result set, matching the remote store's semantics.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Bwesun/Chat/models"
	"github.com/Bwesun/Chat/store"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "chat.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id           TEXT PRIMARY KEY,
  from_user_id TEXT NOT NULL,
  to_user_id   TEXT NOT NULL,
  text         TEXT NOT NULL,
  timestamp    TEXT NOT NULL,
  unread       INTEGER NOT NULL DEFAULT 1,
  status       TEXT CHECK(status IN ('sent','delivered','read')) DEFAULT 'sent'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_pair_time
ON messages (from_user_id, to_user_id, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_unread
ON messages (to_user_id, from_user_id, unread);
`,
}

// Store is a thin wrapper around a SQLite connection implementing
// store.MessageStore.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	subs    map[int]*sqlSub
	nextSub int

	closeOnce sync.Once
}

// Open opens (or creates) chat.db under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	st, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return st, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	st := &Store{
		db:   db,
		subs: make(map[int]*sqlSub),
	}
	if err := st.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

// Fetch implements store.MessageStore.
func (s *Store) Fetch(ctx context.Context, q store.Query) ([]models.Message, error) {
	where, args := buildWhere(q)

	order := "ASC"
	if q.Descending() {
		order = "DESC"
	}
	stmt := fmt.Sprintf(
		`SELECT id, from_user_id, to_user_id, text, timestamp, unread, status
		FROM messages %s ORDER BY timestamp %s, id %s`,
		where, order, order,
	)
	if q.MaxResults() > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.MaxResults())
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var unread int
		if err := rows.Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Text, &m.Timestamp, &unread, &m.Status); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Unread = unread != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// Count implements store.MessageStore.
func (s *Store) Count(ctx context.Context, q store.Query) (int, error) {
	where, args := buildWhere(q)

	var n int
	stmt := "SELECT COUNT(*) FROM messages " + where
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Put implements store.MessageStore.
func (s *Store) Put(ctx context.Context, m models.Message) error {
	if m.ID == "" {
		return errors.New("message id is required")
	}

	unread := 0
	if m.Unread {
		unread = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_user_id, to_user_id, text, timestamp, unread, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			timestamp = excluded.timestamp,
			unread = excluded.unread,
			status = excluded.status`,
		m.ID, m.FromUserID, m.ToUserID, m.Text, m.Timestamp, unread, m.Status,
	)
	if err != nil {
		return fmt.Errorf("save message %q: %w", m.ID, err)
	}

	s.notify(ctx)
	return nil
}

// MarkRead implements store.MessageStore.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET unread = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark message %q read: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark read: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	s.notify(ctx)
	return nil
}

// Subscribe implements store.MessageStore. The initial snapshot is
// delivered before Subscribe returns.
func (s *Store) Subscribe(q store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscription callback is required")
	}

	sub := &sqlSub{owner: s, query: q, fn: fn, active: true}
	s.mu.Lock()
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	s.nextSub++
	s.mu.Unlock()

	if err := sub.refresh(context.Background()); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// notify re-runs every live query and delivers fresh full snapshots.
func (s *Store) notify(ctx context.Context) {
	s.mu.Lock()
	targets := make([]*sqlSub, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		_ = sub.refresh(ctx)
	}
}

type sqlSub struct {
	owner *Store
	id    int
	query store.Query
	fn    func(store.Snapshot)

	deliverMu sync.Mutex
	active    bool
}

func (s *sqlSub) Unsubscribe() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()

	s.deliverMu.Lock()
	s.active = false
	s.deliverMu.Unlock()
}

// refresh re-runs the query and delivers the result while holding the
// delivery lock. Fetching under the lock keeps racing mutators from
// delivering an older snapshot after a newer one: each delivered
// snapshot was read after the previous delivery completed.
func (s *sqlSub) refresh(ctx context.Context) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active {
		return nil
	}
	snap, err := s.owner.Fetch(ctx, s.query)
	if err != nil {
		return err
	}
	s.fn(snap)
	return nil
}

func buildWhere(q store.Query) (string, []any) {
	var clauses []string
	var args []any

	if from, ok := q.FromUser(); ok {
		clauses = append(clauses, "from_user_id = ?")
		args = append(args, from)
	}
	if to, ok := q.ToUser(); ok {
		clauses = append(clauses, "to_user_id = ?")
		args = append(args, to)
	}
	if unread, ok := q.UnreadOnly(); ok {
		val := 0
		if unread {
			val = 1
		}
		clauses = append(clauses, "unread = ?")
		args = append(args, val)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
