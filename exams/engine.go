package exams

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Store is the persistence the engine needs. SQLStore implements it.
type Store interface {
	CreateExam(ctx context.Context, e *Exam) error
	ListActiveExams(ctx context.Context) ([]Exam, error)
	LoadExam(ctx context.Context, id int64, activeOnly bool) (Exam, error)
	CountActiveExams(ctx context.Context) (int, error)
	CountStudents(ctx context.Context) (int, error)

	FindSession(ctx context.Context, userId string, examId int64) (ExamSession, error)
	LoadSession(ctx context.Context, id int64) (ExamSession, error)
	InsertSession(ctx context.Context, es *ExamSession) (bool, error)
	UpdateSessionStatus(ctx context.Context, id int64, status Status) error
	CompleteSession(ctx context.Context, id int64, finishedAt time.Time, score float64) error
	ListSessionsByUser(ctx context.Context, userId string, completedOnly bool, limit int) ([]ExamSession, error)

	ChoiceInExam(ctx context.Context, examId, questionId, choiceId int64) (bool, error)
	UpsertAnswer(ctx context.Context, a *Answer) error
	ListAnswers(ctx context.Context, sessionId int64) ([]Answer, error)
	EarnedPoints(ctx context.Context, sessionId int64) (int, error)
	TotalPoints(ctx context.Context, examId int64) (int, error)

	InsertRequestLog(ctx context.Context, l *RequestLog) error
	RecentRequestLogs(ctx context.Context, userId string, limit int) ([]RequestLog, error)
}

// Engine runs exam sessions: starting or resuming them, recording answers and
// scoring them.
type Engine struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewEngine(store Store, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		log:   log.With().Str("component", "exams").Logger(),
		now:   time.Now,
	}
}

func (e *Engine) Store() Store { return e.store }

// CreateOrResume returns the user's session for the exam, creating it if there
// is none. created reports whether a new session was made. An abandoned session
// is reopened with its answers. A completed session is returned as is; the
// caller decides where to send the user.
func (e *Engine) CreateOrResume(ctx context.Context, userId string, examId int64, ip string) (ExamSession, bool, error) {
	if _, err := e.store.LoadExam(ctx, examId, true); err != nil {
		return ExamSession{}, false, err
	}

	es := ExamSession{
		UserId:    userId,
		ExamId:    examId,
		StartedAt: e.now(),
		Status:    StatusInProgress,
		IPAddress: ip,
	}
	created, err := e.store.InsertSession(ctx, &es)
	if err != nil {
		return ExamSession{}, false, fmt.Errorf("starting exam %d: %w", examId, err)
	}
	if created {
		e.log.Info().Str("user_id", userId).Int64("exam_id", examId).Int64("exam_session_id", es.Id).Msg("exam session started")
		return es, true, nil
	}

	existing, err := e.store.FindSession(ctx, userId, examId)
	if err != nil {
		return ExamSession{}, false, err
	}
	if existing.Status == StatusAbandoned {
		if err := e.store.UpdateSessionStatus(ctx, existing.Id, StatusInProgress); err != nil {
			return ExamSession{}, false, fmt.Errorf("reopening exam session %d: %w", existing.Id, err)
		}
		existing.Status = StatusInProgress
		e.log.Info().Str("user_id", userId).Int64("exam_session_id", existing.Id).Msg("exam session reopened")
	}
	return existing, false, nil
}

// RecordAnswer stores the chosen choice for a question, replacing any earlier
// answer to it. The choice must belong to the question and the question to the
// session's exam.
func (e *Engine) RecordAnswer(ctx context.Context, sessionId, questionId, choiceId int64) (Answer, error) {
	es, err := e.store.LoadSession(ctx, sessionId)
	if err != nil {
		return Answer{}, err
	}
	if es.Status == StatusCompleted {
		return Answer{}, ErrExamSessionCompleted
	}
	ok, err := e.store.ChoiceInExam(ctx, es.ExamId, questionId, choiceId)
	if err != nil {
		return Answer{}, err
	}
	if !ok {
		return Answer{}, ErrChoiceMismatch
	}

	a := Answer{
		SessionId:  sessionId,
		QuestionId: questionId,
		ChoiceId:   choiceId,
		AnsweredAt: e.now(),
	}
	if err := e.store.UpsertAnswer(ctx, &a); err != nil {
		return Answer{}, fmt.Errorf("recording answer: %w", err)
	}
	return a, nil
}

// Finish scores the session and marks it completed. Finishing a completed
// session returns its stored score without changing it.
func (e *Engine) Finish(ctx context.Context, sessionId int64) (ExamSession, error) {
	es, err := e.store.LoadSession(ctx, sessionId)
	if err != nil {
		return ExamSession{}, err
	}
	if es.Status == StatusCompleted {
		return es, nil
	}

	earned, err := e.store.EarnedPoints(ctx, sessionId)
	if err != nil {
		return ExamSession{}, err
	}
	total, err := e.store.TotalPoints(ctx, es.ExamId)
	if err != nil {
		return ExamSession{}, err
	}

	score := Score(earned, total)
	finished := e.now()
	if err := e.store.CompleteSession(ctx, sessionId, finished, score); err != nil {
		return ExamSession{}, fmt.Errorf("finishing exam session %d: %w", sessionId, err)
	}
	es.Status = StatusCompleted
	es.FinishedAt = &finished
	es.Score = &score

	e.log.Info().Int64("exam_session_id", sessionId).Int("earned", earned).Int("total", total).Float64("score", score).Msg("exam session completed")
	return es, nil
}

// Abandon marks an in-progress session abandoned. Starting the exam again
// reopens it.
func (e *Engine) Abandon(ctx context.Context, sessionId int64) error {
	es, err := e.store.LoadSession(ctx, sessionId)
	if err != nil {
		return err
	}
	if es.Status == StatusCompleted {
		return ErrExamSessionCompleted
	}
	if err := e.store.UpdateSessionStatus(ctx, sessionId, StatusAbandoned); err != nil {
		return fmt.Errorf("abandoning exam session %d: %w", sessionId, err)
	}
	e.log.Info().Int64("exam_session_id", sessionId).Msg("exam session abandoned")
	return nil
}

// Answered maps question ids to chosen choice ids for a session.
func (e *Engine) Answered(ctx context.Context, sessionId int64) (map[int64]int64, error) {
	answers, err := e.store.ListAnswers(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]int64, len(answers))
	for _, a := range answers {
		m[a.QuestionId] = a.ChoiceId
	}
	return m, nil
}

// Results breaks a session down per answered question, in exam order.
func (e *Engine) Results(ctx context.Context, es ExamSession) (Exam, []ResultLine, error) {
	exam, err := e.store.LoadExam(ctx, es.ExamId, false)
	if err != nil {
		return Exam{}, nil, err
	}
	answered, err := e.Answered(ctx, es.Id)
	if err != nil {
		return Exam{}, nil, err
	}

	var lines []ResultLine
	for _, q := range exam.Questions {
		choiceId, ok := answered[q.Id]
		if !ok {
			continue
		}
		line := ResultLine{Question: q.Text}
		for _, c := range q.Choices {
			if c.Id == choiceId {
				line.UserChoice = c.Text
				line.IsCorrect = c.IsCorrect
			}
		}
		if line.IsCorrect {
			line.Points = q.Points
		}
		if c, ok := q.CorrectChoice(); ok {
			line.CorrectChoice = c.Text
		}
		lines = append(lines, line)
	}
	return exam, lines, nil
}

// Stats summarises a user's completed sessions. The average is rounded to two
// decimals.
func (e *Engine) Stats(ctx context.Context, userId string) (UserStats, error) {
	completed, err := e.store.ListSessionsByUser(ctx, userId, true, 0)
	if err != nil {
		return UserStats{}, err
	}
	var stats UserStats
	var sum float64
	for _, es := range completed {
		if es.Score == nil {
			continue
		}
		stats.Taken++
		sum += *es.Score
		if es.Passed(es.PassingScore) {
			stats.Passed++
		}
	}
	if stats.Taken > 0 {
		stats.AverageScore = math.Round(sum/float64(stats.Taken)*100) / 100
	}
	return stats, nil
}

// OwnedSession loads a session and checks it belongs to userId; sessions of
// other users are reported as not found.
func (e *Engine) OwnedSession(ctx context.Context, sessionId int64, userId string) (ExamSession, error) {
	es, err := e.store.LoadSession(ctx, sessionId)
	if err != nil {
		return ExamSession{}, err
	}
	if es.UserId != userId {
		return ExamSession{}, ErrExamSessionNotFound
	}
	return es, nil
}

// IsNotFound reports whether err means an exam or session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExamNotFound) || errors.Is(err, ErrExamSessionNotFound)
}
