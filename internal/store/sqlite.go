package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the SQLite-backed store, creating the database file and
// schema as needed.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug().Str("path", cfg.Path).Msg("chat store opened")
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, name string, status Status, channelID int64) (Chat, error) {
	if status == "" {
		status = StatusTest
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groupchats(name, created_at, status, channel_id) VALUES(?,?,?,?)`,
		name, now.Format(time.RFC3339Nano), string(status), channelID,
	)
	if err != nil {
		return Chat{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, err
	}
	return Chat{ID: id, Name: name, Status: status, CreatedAt: now, ChannelID: channelID}, nil
}

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, status, channel_id FROM groupchats WHERE id = ?`, id)
	return scanChat(row)
}

func (s *sqliteStore) GetByName(ctx context.Context, name string) (Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, status, channel_id FROM groupchats WHERE name = ?`, name)
	return scanChat(row)
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status Status) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, status, channel_id FROM groupchats
		 WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Update(ctx context.Context, id int64, p Patch) (Chat, error) {
	var sets []string
	var args []any
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.ChannelID != nil {
		sets = append(sets, "channel_id = ?")
		args = append(args, *p.ChannelID)
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx,
			`UPDATE groupchats SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Chat{}, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return Chat{}, ErrNotFound
		}
	}
	return s.GetByID(ctx, id)
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groupchats WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var created, status string
	err := row.Scan(&c.ID, &c.Name, &created, &status, &c.ChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.Status = Status(status)
	if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		c.CreatedAt = ts
	}
	return c, nil
}
