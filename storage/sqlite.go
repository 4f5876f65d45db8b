package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tweet-watcher/pkg/watcher"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLite keeps watches, credentials and notifications in a single SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("Opened SQLite store", "path", path)
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func intOrNull(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

const watchColumns = `id, keyword, channel, like_threshold, retweet_threshold, status, last_run_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatch(row rowScanner) (*watcher.Watch, error) {
	var (
		w                   watcher.Watch
		like, retweet, last sql.NullInt64
		created             int64
		status              string
	)
	if err := row.Scan(&w.ID, &w.Keyword, &w.Channel, &like, &retweet, &status, &last, &created); err != nil {
		return nil, err
	}
	w.Like = fromNullInt(like)
	w.Retweet = fromNullInt(retweet)
	w.Status = watcher.Status(status)
	w.LastRunAt = fromMillis(last)
	w.CreatedAt = time.UnixMilli(created).UTC()
	return &w, nil
}

func (s *SQLite) queryWatches(ctx context.Context, where string, args ...any) ([]*watcher.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+watchColumns+` FROM watches `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*watcher.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListWatches returns every watch ordered by creation time.
func (s *SQLite) ListWatches(ctx context.Context) ([]*watcher.Watch, error) {
	return s.queryWatches(ctx, "")
}

// ListActiveWatches returns only watches with status active.
func (s *SQLite) ListActiveWatches(ctx context.Context) ([]*watcher.Watch, error) {
	return s.queryWatches(ctx, "WHERE status = ?", string(watcher.StatusActive))
}

// LoadWatch retrieves a watch by id.
func (s *SQLite) LoadWatch(ctx context.Context, id string) (*watcher.Watch, error) {
	w, err := scanWatch(s.db.QueryRowContext(ctx, `SELECT `+watchColumns+` FROM watches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("watch %s: %w", id, watcher.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load watch: %w", err)
	}
	return w, nil
}

// SaveWatch writes a watch, replacing any existing one with the same id.
// LastRunAt is left alone for existing rows; only StampWatch moves it.
func (s *SQLite) SaveWatch(ctx context.Context, w *watcher.Watch) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid watch: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watches(`+watchColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   keyword=excluded.keyword, channel=excluded.channel,
		   like_threshold=excluded.like_threshold, retweet_threshold=excluded.retweet_threshold,
		   status=excluded.status`,
		w.ID, w.Keyword, w.Channel, intOrNull(w.Like), intOrNull(w.Retweet), string(w.Status),
		millis(w.LastRunAt), w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save watch: %w", err)
	}
	return nil
}

// InsertWatch writes a new watch, failing with watcher.ErrDuplicate if the id is taken.
func (s *SQLite) InsertWatch(ctx context.Context, w *watcher.Watch) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid watch: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watches(`+watchColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		w.ID, w.Keyword, w.Channel, intOrNull(w.Like), intOrNull(w.Retweet), string(w.Status),
		millis(w.LastRunAt), w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch %s: %w", w.ID, watcher.ErrDuplicate)
	}
	return nil
}

// DeleteWatch removes a watch. Notifications it produced are kept.
func (s *SQLite) DeleteWatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch %s: %w", id, watcher.ErrNotFound)
	}
	return nil
}

// StampWatch sets LastRunAt without touching the rest of the watch.
func (s *SQLite) StampWatch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watches SET last_run_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("stamp watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch %s: %w", id, watcher.ErrNotFound)
	}
	return nil
}

// ListCredentials returns all credentials ordered by id.
func (s *SQLite) ListCredentials(ctx context.Context) ([]*watcher.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, token, available_after FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*watcher.Credential
	for rows.Next() {
		var (
			c     watcher.Credential
			after sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Token, &after); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.AvailableAfter = fromMillis(after)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SeedCredential stores a credential unless one with the same id already exists.
func (s *SQLite) SeedCredential(ctx context.Context, c *watcher.Credential) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(id, token, available_after) VALUES(?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Token, millis(c.AvailableAfter),
	)
	if err != nil {
		return false, fmt.Errorf("seed credential: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetCredentialReset records when a throttled credential becomes usable. Last writer wins.
func (s *SQLite) SetCredentialReset(ctx context.Context, id string, resetAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET available_after = ? WHERE id = ?`, resetAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set credential reset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", id, watcher.ErrNotFound)
	}
	return nil
}

// NotificationExists reports whether a record exists for (resultID, channel).
func (s *SQLite) NotificationExists(ctx context.Context, resultID, channel string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE result_id = ? AND channel = ?`, resultID, channel).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return true, nil
}

// InsertNotification writes rec only if no record exists for its key.
func (s *SQLite) InsertNotification(ctx context.Context, rec *watcher.Notification) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(result_id, channel, watch_id, keyword, url, text, like_count, retweet_count,
		   created_at, delivered_at, delivery_receipt)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(result_id, channel) DO NOTHING`,
		rec.ResultID, rec.Channel, rec.WatchID, rec.Keyword, rec.URL, rec.Text, rec.LikeCount, rec.RetweetCount,
		rec.CreatedAt.UnixMilli(), millis(rec.DeliveredAt), rec.DeliveryReceipt,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const notificationColumns = `result_id, channel, watch_id, keyword, url, text, like_count, retweet_count,
  created_at, delivered_at, delivery_receipt`

func scanNotification(row rowScanner) (*watcher.Notification, error) {
	var (
		n         watcher.Notification
		created   int64
		delivered sql.NullInt64
	)
	if err := row.Scan(&n.ResultID, &n.Channel, &n.WatchID, &n.Keyword, &n.URL, &n.Text,
		&n.LikeCount, &n.RetweetCount, &created, &delivered, &n.DeliveryReceipt); err != nil {
		return nil, err
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.DeliveredAt = fromMillis(delivered)
	return &n, nil
}

// LoadNotification reads the record for (resultID, channel).
func (s *SQLite) LoadNotification(ctx context.Context, resultID, channel string) (*watcher.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE result_id = ? AND channel = ?`, resultID, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s/%s: %w", resultID, channel, watcher.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}
	return n, nil
}

// MarkDelivered moves a pending record to delivered. It fails with
// watcher.ErrAlreadyDelivered if the record was delivered already.
func (s *SQLite) MarkDelivered(ctx context.Context, resultID, channel string, at time.Time, receipt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered_at = ?, delivery_receipt = ?
		 WHERE result_id = ? AND channel = ? AND delivered_at IS NULL`,
		at.UnixMilli(), receipt, resultID, channel,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Distinguish a missing record from one that was already delivered.
	if _, err := s.LoadNotification(ctx, resultID, channel); err != nil {
		return err
	}
	return watcher.ErrAlreadyDelivered
}

func (s *SQLite) queryNotifications(ctx context.Context, query string, limit int) ([]*watcher.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*watcher.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListPendingNotifications returns up to limit undelivered records, oldest first.
func (s *SQLite) ListPendingNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error) {
	return s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE delivered_at IS NULL ORDER BY created_at`, limit)
}

// ListNotifications returns up to limit records of any state, newest first.
func (s *SQLite) ListNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error) {
	return s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications ORDER BY created_at DESC`, limit)
}
