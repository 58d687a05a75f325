package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cadence/internal/recurrence"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

const scheduleCols = `id, subject_id, subject_name, owner_ref, kind, rule, next_due_at, last_materialized_at,
	active, deleted, skip_weekends, notes, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		s                       schedule.Schedule
		kind, ruleJSON          string
		nextDue, lastMat        sql.NullInt64
		active, deleted, skipWE bool
		meta                    sql.NullString
		created, updated        int64
	)
	if err := r.Scan(&s.ID, &s.Subject.ID, &s.Subject.Name, &s.OwnerRef, &kind, &ruleJSON, &nextDue, &lastMat,
		&active, &deleted, &skipWE, &s.Notes, &meta, &created, &updated); err != nil {
		return schedule.Schedule{}, err
	}

	var spec recurrence.Spec
	if err := json.Unmarshal([]byte(ruleJSON), &spec); err != nil {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: decode rule: %w", s.ID, err)
	}
	rule, err := recurrence.NewRule(spec)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	s.Rule = rule
	s.Kind = schedule.Kind(kind)
	s.NextDueAt = fromNullMillis(nextDue)
	s.LastMaterializedAt = fromNullMillis(lastMat)
	s.Active, s.Deleted, s.SkipWeekends = active, deleted, skipWE
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &s.Metadata); err != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: decode metadata: %w", s.ID, err)
		}
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}

func (s *sqliteStore) querySchedules(ctx context.Context, where string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			// A corrupt row must not hide every other schedule.
			s.log.Warn("skipping unreadable schedule", logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]schedule.Schedule, error) {
	return s.querySchedules(ctx, `WHERE active = 1 AND deleted = 0`)
}

func (s *sqliteStore) ListAll(ctx context.Context, includeDeleted bool) ([]schedule.Schedule, error) {
	if includeDeleted {
		return s.querySchedules(ctx, ``)
	}
	return s.querySchedules(ctx, `WHERE deleted = 0`)
}

func (s *sqliteStore) ListBySubject(ctx context.Context, subjectID string) ([]schedule.Schedule, error) {
	return s.querySchedules(ctx, `WHERE subject_id = ?`, subjectID)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return sc, err
}

func (s *sqliteStore) Save(ctx context.Context, sc schedule.Schedule) error {
	ruleJSON, err := json.Marshal(sc.Rule.Spec())
	if err != nil {
		return err
	}
	var meta any
	if len(sc.Metadata) > 0 {
		b, err := json.Marshal(sc.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   subject_id=excluded.subject_id, subject_name=excluded.subject_name, owner_ref=excluded.owner_ref,
		   kind=excluded.kind, rule=excluded.rule, next_due_at=excluded.next_due_at,
		   last_materialized_at=excluded.last_materialized_at, active=excluded.active,
		   deleted=MAX(schedules.deleted, excluded.deleted), skip_weekends=excluded.skip_weekends,
		   notes=excluded.notes, metadata=excluded.metadata, updated_at=excluded.updated_at`,
		sc.ID, sc.Subject.ID, sc.Subject.Name, sc.OwnerRef, string(sc.Kind), string(ruleJSON),
		toNullMillis(sc.NextDueAt), toNullMillis(sc.LastMaterializedAt),
		sc.Active, sc.Deleted, sc.SkipWeekends, sc.Notes, meta,
		sc.CreatedAt.UnixMilli(), sc.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Advance(ctx context.Context, id string, rule recurrence.Rule, next *time.Time, at time.Time) (bool, error) {
	ruleJSON, err := json.Marshal(rule.Spec())
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_due_at = ?, last_materialized_at = ?, updated_at = ?
		 WHERE id = ? AND rule = ? AND active = 1 AND deleted = 0`,
		toNullMillis(next), at.UnixMilli(), at.UnixMilli(), id, string(ruleJSON),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) FindExisting(ctx context.Context, subjectRef, ownerRef, categoryMarker string, dueAts []time.Time) ([]schedule.MaterializedTaskRef, error) {
	if len(dueAts) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(dueAts)+3)
	args = append(args, categoryMarker, subjectRef, ownerRef)
	for _, d := range dueAts {
		args = append(args, d.UnixMilli())
	}
	q := `SELECT id, due_at FROM tasks WHERE category = ? AND subject_ref = ? AND owner_ref = ? AND due_at IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(dueAts)), ",") + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.MaterializedTaskRef
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out = append(out, schedule.MaterializedTaskRef{
			ID:             id,
			CategoryMarker: categoryMarker,
			SubjectRef:     subjectRef,
			OwnerRef:       ownerRef,
			DueAt:          time.UnixMilli(ms).UTC(),
		})
	}
	return out, rows.Err()
}

// Create inserts the task. When a task with the same occurrence key is already
// present, no row is written and its id is returned with schedule.ErrTaskExists.
func (s *sqliteStore) Create(ctx context.Context, req schedule.TaskRequest) (schedule.TaskRef, error) {
	id := uuid.NewString()
	due := req.DueAt.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, schedule_id, category, subject_ref, owner_ref, due_at, title, description, priority, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(category, subject_ref, owner_ref, due_at) DO NOTHING`,
		id, req.ScheduleID, req.CategoryMarker, req.SubjectRef, req.OwnerRef, due,
		req.Title, req.Description, string(req.Priority), time.Now().UnixMilli(),
	)
	if err != nil {
		return schedule.TaskRef{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return schedule.TaskRef{}, err
	} else if n > 0 {
		return schedule.TaskRef{ID: id}, nil
	}

	var got string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE category = ? AND subject_ref = ? AND owner_ref = ? AND due_at = ?`,
		req.CategoryMarker, req.SubjectRef, req.OwnerRef, due,
	).Scan(&got)
	if err != nil {
		return schedule.TaskRef{}, err
	}
	return schedule.TaskRef{ID: got}, schedule.ErrTaskExists
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerRef != "" {
		where = append(where, "owner_ref = ?")
		args = append(args, f.OwnerRef)
	}
	if f.SubjectRef != "" {
		where = append(where, "subject_ref = ?")
		args = append(args, f.SubjectRef)
	}
	if !f.From.IsZero() {
		where = append(where, "due_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "due_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	q := `SELECT id, schedule_id, category, subject_ref, owner_ref, due_at, title, description, priority, created_at FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY due_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t            Task
			prio         string
			due, created int64
		)
		if err := rows.Scan(&t.ID, &t.ScheduleID, &t.CategoryMarker, &t.SubjectRef, &t.OwnerRef, &due, &t.Title, &t.Description, &prio, &created); err != nil {
			return nil, err
		}
		t.Priority = schedule.Priority(prio)
		t.DueAt = time.UnixMilli(due).UTC()
		t.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Resolve(ctx context.Context, ownerRef string) (schedule.User, error) {
	var u schedule.User
	err := s.db.QueryRowContext(ctx, `SELECT ref, name, email, telegram_chat_id FROM users WHERE ref = ?`, ownerRef).
		Scan(&u.Ref, &u.Name, &u.Email, &u.TelegramChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.User{}, fmt.Errorf("%w: %s", schedule.ErrOwnerNotFound, ownerRef)
	}
	return u, err
}

func (s *sqliteStore) PutUser(ctx context.Context, u schedule.User) error {
	if strings.TrimSpace(u.Ref) == "" {
		return errors.New("user ref is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(ref, name, email, telegram_chat_id) VALUES(?,?,?,?)
		 ON CONFLICT(ref) DO UPDATE SET name=excluded.name, email=excluded.email, telegram_chat_id=excluded.telegram_chat_id`,
		u.Ref, u.Name, u.Email, u.TelegramChatID,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func toNullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
