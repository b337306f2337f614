package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"watchsync/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

type Write struct {
	Kind            models.RecordKind
	Key             models.RecordKey
	Value           models.Value
	ClientUpdatedAt int64
	Force           bool
}

// WriteResult carries the new record when Accepted, otherwise the persisted version
// that caused the rejection.
type WriteResult struct {
	Accepted bool
	Record   models.Record
}

// Tx is the view of the store available inside WithTx.
type Tx interface {
	Get(ctx context.Context, userID string, kind models.RecordKind, key models.RecordKey) (*models.Record, error)
	ConditionalWrite(ctx context.Context, userID string, w Write) (WriteResult, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RecordRepo struct {
	db      *sql.DB
	dialect string
	now     func() int64
}

// Open connects to the store. SQLite is limited to one connection so every
// transaction is serialized.
func Open(dialect, dsn string) (*RecordRepo, error) {
	driver := "sqlite"
	switch dialect {
	case DialectSQLite:
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return NewRecordRepo(db, dialect), nil
}

func NewRecordRepo(db *sql.DB, dialect string) *RecordRepo {
	return &RecordRepo{db: db, dialect: dialect, now: func() int64 { return time.Now().UnixMilli() }}
}

// SetClock overrides the server clock (ms epoch).
func (r *RecordRepo) SetClock(now func() int64) {
	r.now = now
}

func (r *RecordRepo) Dialect() string {
	return r.dialect
}

func (r *RecordRepo) Close() error {
	return r.db.Close()
}

func (r *RecordRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RecordRepo) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&txRepo{repo: r, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *RecordRepo) Get(ctx context.Context, userID string, kind models.RecordKind, key models.RecordKey) (*models.Record, error) {
	return r.get(ctx, r.db, userID, kind, key, false)
}

func (r *RecordRepo) ConditionalWrite(ctx context.Context, userID string, w Write) (WriteResult, error) {
	var out WriteResult
	err := r.WithTx(ctx, func(tx Tx) error {
		res, err := tx.ConditionalWrite(ctx, userID, w)
		out = res
		return err
	})
	return out, err
}

func (r *RecordRepo) Snapshot(ctx context.Context, userID string) ([]models.Record, error) {
	out := []models.Record{}
	for _, kind := range models.AllKinds {
		t := tables[kind]
		rows, err := r.db.QueryContext(ctx, r.rebind(t.selectAll()), userID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", t.name, err)
		}
		for rows.Next() {
			rec, err := t.scanInto(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *RecordRepo) TotalEpisodes(ctx context.Context, itemKey string) (int, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT total_episodes FROM catalog_items WHERE item_key = ?`), strings.TrimSpace(itemKey)).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return int(total), err
}

func (r *RecordRepo) UpsertCatalogItem(ctx context.Context, itemKey string, total int) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO catalog_items (item_key, total_episodes) VALUES (?, ?)
		ON CONFLICT (item_key) DO UPDATE SET total_episodes = excluded.total_episodes
	`), strings.TrimSpace(itemKey), int64(total))
	return err
}

func (r *RecordRepo) get(ctx context.Context, q querier, userID string, kind models.RecordKind, key models.RecordKey, forUpdate bool) (*models.Record, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	query := t.selectOne()
	if forUpdate && r.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	args := append([]any{userID}, t.keyArgs(key)...)
	rec, err := t.scanInto(q.QueryRowContext(ctx, r.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *RecordRepo) conditionalWrite(ctx context.Context, q querier, userID string, w Write) (WriteResult, error) {
	t, ok := tables[w.Kind]
	if !ok {
		return WriteResult{}, fmt.Errorf("unknown record kind %q", w.Kind)
	}
	current, err := r.get(ctx, q, userID, w.Kind, w.Key, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return WriteResult{}, err
	}
	if current != nil && !w.Force && current.UpdatedAt > w.ClientUpdatedAt {
		return WriteResult{Accepted: false, Record: *current}, nil
	}

	next := r.now()
	if current != nil && next <= current.UpdatedAt {
		next = current.UpdatedAt + 1
	}
	args := append([]any{userID}, t.keyArgs(w.Key)...)
	args = append(args, t.valArgs(w.Value.ForKind(w.Kind))...)
	args = append(args, next, w.Force, w.ClientUpdatedAt)
	res, err := q.ExecContext(ctx, r.rebind(t.upsert()), args...)
	if err != nil {
		return WriteResult{}, fmt.Errorf("write %s: %w", t.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		latest, err := r.get(ctx, q, userID, w.Kind, w.Key, false)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Accepted: false, Record: *latest}, nil
	}
	rec := models.Record{Kind: w.Kind, Key: w.Key, Value: w.Value.ForKind(w.Kind), UpdatedAt: next}
	return WriteResult{Accepted: true, Record: rec}, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (r *RecordRepo) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

type txRepo struct {
	repo *RecordRepo
	q    querier
}

func (t *txRepo) Get(ctx context.Context, userID string, kind models.RecordKind, key models.RecordKey) (*models.Record, error) {
	return t.repo.get(ctx, t.q, userID, kind, key, true)
}

func (t *txRepo) ConditionalWrite(ctx context.Context, userID string, w Write) (WriteResult, error) {
	return t.repo.conditionalWrite(ctx, t.q, userID, w)
}
