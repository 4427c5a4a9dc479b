package exams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exams (
id INTEGER PRIMARY KEY AUTOINCREMENT,
title TEXT NOT NULL,
description TEXT NOT NULL DEFAULT '',
duration INTEGER NOT NULL,
is_active BOOLEAN NOT NULL DEFAULT 1,
passing_score INTEGER NOT NULL DEFAULT 60,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
id INTEGER PRIMARY KEY AUTOINCREMENT,
exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
text TEXT NOT NULL,
points INTEGER NOT NULL DEFAULT 1,
position INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS choices (
id INTEGER PRIMARY KEY AUTOINCREMENT,
question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
text TEXT NOT NULL,
is_correct BOOLEAN NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS exam_sessions (
id INTEGER PRIMARY KEY AUTOINCREMENT,
user_id TEXT NOT NULL,
exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
started_at INTEGER NOT NULL,
finished_at INTEGER,
score REAL,
status TEXT NOT NULL DEFAULT 'in_progress',
ip_address TEXT NOT NULL DEFAULT '',
UNIQUE (user_id, exam_id)
);
CREATE TABLE IF NOT EXISTS answers (
id INTEGER PRIMARY KEY AUTOINCREMENT,
session_id INTEGER NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
choice_id INTEGER NOT NULL REFERENCES choices(id) ON DELETE CASCADE,
answered_at INTEGER NOT NULL,
UNIQUE (session_id, question_id)
);
CREATE TABLE IF NOT EXISTS request_logs (
id INTEGER PRIMARY KEY AUTOINCREMENT,
user_id TEXT,
method TEXT NOT NULL,
path TEXT NOT NULL,
status_code INTEGER NOT NULL,
ip_address TEXT NOT NULL DEFAULT '',
user_agent TEXT NOT NULL DEFAULT '',
logged_at INTEGER NOT NULL, -- Unix milliseconds
response_time REAL
);
CREATE INDEX IF NOT EXISTS request_logs_user_idx ON request_logs (user_id, logged_at);
`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS exams (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	duration INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	passing_score INTEGER NOT NULL DEFAULT 60,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	points INTEGER NOT NULL DEFAULT 1,
	position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS choices (
	id BIGSERIAL PRIMARY KEY,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	is_correct BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS exam_sessions (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	started_at BIGINT NOT NULL,
	finished_at BIGINT,
	score DOUBLE PRECISION,
	status TEXT NOT NULL DEFAULT 'in_progress',
	ip_address TEXT NOT NULL DEFAULT '',
	UNIQUE (user_id, exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
	id BIGSERIAL PRIMARY KEY,
	session_id BIGINT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	choice_id BIGINT NOT NULL REFERENCES choices(id) ON DELETE CASCADE,
	answered_at BIGINT NOT NULL,
	UNIQUE (session_id, question_id)
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	logged_at BIGINT NOT NULL,
	response_time DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS request_logs_user_idx ON request_logs (user_id, logged_at)`,
}

// SQLStore keeps exams, exam sessions and answers in SQLite or Postgres.
// Queries are written with ? placeholders and rebound for Postgres.
type SQLStore struct {
	DB      *sql.DB
	dialect string
}

// Returns a new SQLStore for the given dialect and creates the exam tables if they don't exist
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite:
		if _, err := db.Exec(sqliteSchema); err != nil {
			return nil, err
		}
	case DialectPostgres:
		for _, stmt := range postgresSchema {
			if _, err := db.Exec(stmt); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	return &SQLStore{DB: db, dialect: dialect}, nil
}

func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateExam inserts an exam with its questions and choices, filling in ids.
// Scores and points are stored as given.
func (s *SQLStore) CreateExam(ctx context.Context, e *Exam) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO exams (title, description, duration, is_active, passing_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.Title, e.Description, e.Duration, e.IsActive, e.PassingScore, e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	).Scan(&e.Id)
	if err != nil {
		return fmt.Errorf("inserting exam: %w", err)
	}

	for i := range e.Questions {
		q := &e.Questions[i]
		q.ExamId = e.Id
		err = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO questions (exam_id, text, points, position)
			VALUES (?, ?, ?, ?)
			RETURNING id`),
			q.ExamId, q.Text, q.Points, q.Order,
		).Scan(&q.Id)
		if err != nil {
			return fmt.Errorf("inserting question: %w", err)
		}
		for j := range q.Choices {
			c := &q.Choices[j]
			c.QuestionId = q.Id
			err = tx.QueryRowContext(ctx, s.q(`
				INSERT INTO choices (question_id, text, is_correct)
				VALUES (?, ?, ?)
				RETURNING id`),
				c.QuestionId, c.Text, c.IsCorrect,
			).Scan(&c.Id)
			if err != nil {
				return fmt.Errorf("inserting choice: %w", err)
			}
		}
	}
	e.NumQuestions = len(e.Questions)

	return tx.Commit()
}

const examColumns = `e.id, e.title, e.description, e.duration, e.is_active, e.passing_score, e.created_at, e.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExam(row scanner, extra ...any) (Exam, error) {
	var e Exam
	var created, updated int64
	dest := append([]any{&e.Id, &e.Title, &e.Description, &e.Duration, &e.IsActive, &e.PassingScore, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return e, err
	}
	e.CreatedAt = time.Unix(created, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	return e, nil
}

// ListActiveExams returns active exams, newest first, with their question counts.
func (s *SQLStore) ListActiveExams(ctx context.Context) ([]Exam, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`
		SELECT `+examColumns+`, COUNT(q.id)
		FROM exams e
		LEFT JOIN questions q ON q.exam_id = e.id
		WHERE e.is_active = ?
		GROUP BY e.id
		ORDER BY e.created_at DESC, e.id DESC`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Exam
	for rows.Next() {
		var n int
		e, err := scanExam(rows, &n)
		if err != nil {
			return nil, err
		}
		e.NumQuestions = n
		list = append(list, e)
	}
	return list, rows.Err()
}

// LoadExam returns the exam with its questions, in order, and their choices.
// With activeOnly an inactive exam is reported as not found.
func (s *SQLStore) LoadExam(ctx context.Context, id int64, activeOnly bool) (Exam, error) {
	e, err := scanExam(s.DB.QueryRowContext(ctx, s.q(`SELECT `+examColumns+` FROM exams e WHERE e.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && activeOnly && !e.IsActive) {
		return Exam{}, ErrExamNotFound
	}
	if err != nil {
		return Exam{}, err
	}

	rows, err := s.DB.QueryContext(ctx, s.q(`
		SELECT id, exam_id, text, points, position
		FROM questions WHERE exam_id = ?
		ORDER BY position, id`), id)
	if err != nil {
		return Exam{}, err
	}
	index := make(map[int64]int)
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.Id, &q.ExamId, &q.Text, &q.Points, &q.Order); err != nil {
			rows.Close()
			return Exam{}, err
		}
		index[q.Id] = len(e.Questions)
		e.Questions = append(e.Questions, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Exam{}, err
	}

	rows, err = s.DB.QueryContext(ctx, s.q(`
		SELECT c.id, c.question_id, c.text, c.is_correct
		FROM choices c
		JOIN questions q ON q.id = c.question_id
		WHERE q.exam_id = ?
		ORDER BY c.id`), id)
	if err != nil {
		return Exam{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c Choice
		if err := rows.Scan(&c.Id, &c.QuestionId, &c.Text, &c.IsCorrect); err != nil {
			return Exam{}, err
		}
		if i, ok := index[c.QuestionId]; ok {
			e.Questions[i].Choices = append(e.Questions[i].Choices, c)
		}
	}
	e.NumQuestions = len(e.Questions)
	return e, rows.Err()
}

func (s *SQLStore) CountActiveExams(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM exams WHERE is_active = ?`), true).Scan(&n)
	return n, err
}

// CountStudents counts distinct users with at least one exam session.
func (s *SQLStore) CountStudents(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM exam_sessions`).Scan(&n)
	return n, err
}

const sessionColumns = `s.id, s.user_id, s.exam_id, s.started_at, s.finished_at, s.score, s.status, s.ip_address`

func scanSession(row scanner, extra ...any) (ExamSession, error) {
	var es ExamSession
	var started int64
	var finished sql.NullInt64
	var score sql.NullFloat64
	var status string
	dest := append([]any{&es.Id, &es.UserId, &es.ExamId, &started, &finished, &score, &status, &es.IPAddress}, extra...)
	if err := row.Scan(dest...); err != nil {
		return es, err
	}
	es.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		es.FinishedAt = &t
	}
	if score.Valid {
		v := score.Float64
		es.Score = &v
	}
	es.Status = Status(status)
	return es, nil
}

func (s *SQLStore) FindSession(ctx context.Context, userId string, examId int64) (ExamSession, error) {
	es, err := scanSession(s.DB.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM exam_sessions s
		WHERE s.user_id = ? AND s.exam_id = ?`), userId, examId))
	if errors.Is(err, sql.ErrNoRows) {
		return es, ErrExamSessionNotFound
	}
	return es, err
}

func (s *SQLStore) LoadSession(ctx context.Context, id int64) (ExamSession, error) {
	es, err := scanSession(s.DB.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM exam_sessions s WHERE s.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return es, ErrExamSessionNotFound
	}
	return es, err
}

// InsertSession creates the session unless one already exists for the user
// and exam; created reports which happened.
func (s *SQLStore) InsertSession(ctx context.Context, es *ExamSession) (bool, error) {
	err := s.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO exam_sessions (user_id, exam_id, started_at, status, ip_address)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, exam_id) DO NOTHING
		RETURNING id`),
		es.UserId, es.ExamId, es.StartedAt.Unix(), string(es.Status), es.IPAddress,
	).Scan(&es.Id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateSessionStatus changes the status of a session that is not completed.
// A completed session is left as is.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, id int64, status Status) error {
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE exam_sessions SET status = ? WHERE id = ? AND status <> ?`),
		string(status), id, string(StatusCompleted))
	return err
}

func (s *SQLStore) CompleteSession(ctx context.Context, id int64, finishedAt time.Time, score float64) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE exam_sessions SET status = ?, finished_at = ?, score = ?
		WHERE id = ?`), string(StatusCompleted), finishedAt.Unix(), score, id)
	return err
}

// ChoiceInExam reports whether choiceId is a choice of questionId and the
// question belongs to examId.
func (s *SQLStore) ChoiceInExam(ctx context.Context, examId, questionId, choiceId int64) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM choices c
		JOIN questions q ON q.id = c.question_id
		WHERE c.id = ? AND q.id = ? AND q.exam_id = ?`), choiceId, questionId, examId).Scan(&n)
	return n > 0, err
}

// UpsertAnswer records the answer, replacing an earlier answer to the same
// question in the same session.
func (s *SQLStore) UpsertAnswer(ctx context.Context, a *Answer) error {
	return s.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO answers (session_id, question_id, choice_id, answered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, question_id)
		DO UPDATE SET choice_id = excluded.choice_id, answered_at = excluded.answered_at
		RETURNING id`),
		a.SessionId, a.QuestionId, a.ChoiceId, a.AnsweredAt.Unix(),
	).Scan(&a.Id)
}

func (s *SQLStore) ListAnswers(ctx context.Context, sessionId int64) ([]Answer, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`
		SELECT id, session_id, question_id, choice_id, answered_at
		FROM answers WHERE session_id = ?
		ORDER BY answered_at, id`), sessionId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Answer
	for rows.Next() {
		var a Answer
		var answered int64
		if err := rows.Scan(&a.Id, &a.SessionId, &a.QuestionId, &a.ChoiceId, &answered); err != nil {
			return nil, err
		}
		a.AnsweredAt = time.Unix(answered, 0)
		list = append(list, a)
	}
	return list, rows.Err()
}

// EarnedPoints sums the points of correctly answered questions in a session.
func (s *SQLStore) EarnedPoints(ctx context.Context, sessionId int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(SUM(q.points), 0)
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		JOIN choices c ON c.id = a.choice_id
		WHERE a.session_id = ? AND c.is_correct = ?`), sessionId, true).Scan(&n)
	return n, err
}

func (s *SQLStore) TotalPoints(ctx context.Context, examId int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT COALESCE(SUM(points), 0) FROM questions WHERE exam_id = ?`), examId).Scan(&n)
	return n, err
}

// ListSessionsByUser returns the user's sessions, most recently started first.
// completedOnly restricts to completed sessions ordered by finish time; limit
// <= 0 means no limit.
func (s *SQLStore) ListSessionsByUser(ctx context.Context, userId string, completedOnly bool, limit int) ([]ExamSession, error) {
	query := `SELECT ` + sessionColumns + `, e.title, e.passing_score
		FROM exam_sessions s
		JOIN exams e ON e.id = s.exam_id
		WHERE s.user_id = ?`
	args := []any{userId}
	if completedOnly {
		query += ` AND s.status = ? ORDER BY s.finished_at DESC, s.id DESC`
		args = append(args, string(StatusCompleted))
	} else {
		query += ` ORDER BY s.started_at DESC, s.id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []ExamSession
	for rows.Next() {
		var title string
		var passing int
		es, err := scanSession(rows, &title, &passing)
		if err != nil {
			return nil, err
		}
		es.ExamTitle = title
		es.PassingScore = passing
		list = append(list, es)
	}
	return list, rows.Err()
}

// InsertRequestLog stores one served request. An empty UserId is stored as
// NULL for anonymous requests.
func (s *SQLStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	userId := sql.NullString{String: l.UserId, Valid: l.UserId != ""}
	return s.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO request_logs (user_id, method, path, status_code, ip_address, user_agent, logged_at, response_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		userId, l.Method, l.Path, l.StatusCode, l.IPAddress, l.UserAgent, l.Timestamp.UnixMilli(), l.ResponseTime,
	).Scan(&l.Id)
}

// RecentRequestLogs returns the user's latest requests, newest first.
func (s *SQLStore) RecentRequestLogs(ctx context.Context, userId string, limit int) ([]RequestLog, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`
		SELECT id, user_id, method, path, status_code, ip_address, user_agent, logged_at, response_time
		FROM request_logs
		WHERE user_id = ?
		ORDER BY logged_at DESC, id DESC
		LIMIT ?`), userId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []RequestLog
	for rows.Next() {
		var l RequestLog
		var user sql.NullString
		var logged int64
		var elapsed sql.NullFloat64
		if err := rows.Scan(&l.Id, &user, &l.Method, &l.Path, &l.StatusCode, &l.IPAddress, &l.UserAgent, &logged, &elapsed); err != nil {
			return nil, err
		}
		l.UserId = user.String
		l.Timestamp = time.UnixMilli(logged)
		l.ResponseTime = elapsed.Float64
		list = append(list, l)
	}
	return list, rows.Err()
}
