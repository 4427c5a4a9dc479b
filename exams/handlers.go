package exams

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cameronmore/go-exams/pipeline"
	"github.com/cameronmore/go-exams/sessions"
	"github.com/go-chi/chi/v5"
)

const (
	recentSessionsLimit = 5
	recentLogsLimit     = 10
)

// Handlers serves the exam pages. Every handler runs inside the request
// pipeline and, apart from Home, behind a login check.
type Handlers struct {
	engine *Engine
}

func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// Routes mounts the exam pages on r. requireLogin guards the pages of signed in
// users and requireStaff the exam editor.
func (h *Handlers) Routes(r chi.Router, requireLogin, requireStaff func(http.Handler) http.Handler) {
	r.Method(http.MethodGet, "/", pipeline.HandlerFunc(h.Home))

	r.Group(func(r chi.Router) {
		r.Use(requireLogin)
		r.Method(http.MethodGet, "/exams/", pipeline.HandlerFunc(h.List))
		r.Method(http.MethodGet, "/exam/{examId}/", pipeline.HandlerFunc(h.Detail))
		r.Method(http.MethodPost, "/exam/{examId}/start/", pipeline.HandlerFunc(h.Start))
		r.Method(http.MethodGet, "/exam/{examId}/take/", pipeline.HandlerFunc(h.Take))
		r.Method(http.MethodPost, "/exam/{examId}/take/", pipeline.HandlerFunc(h.Take))
		r.Method(http.MethodPost, "/exam/{examId}/abandon/", pipeline.HandlerFunc(h.Abandon))
		r.Method(http.MethodGet, "/result/{sessionId}/", pipeline.HandlerFunc(h.Result))
		r.Method(http.MethodGet, "/my-results/", pipeline.HandlerFunc(h.MyResults))
		r.Method(http.MethodGet, "/dashboard/", pipeline.HandlerFunc(h.Dashboard))
		r.Method(http.MethodGet, "/middleware-demo/", pipeline.HandlerFunc(h.MiddlewareDemo))
	})

	r.With(requireStaff).Method(http.MethodPost, "/exams/new/", pipeline.HandlerFunc(h.Create))
}

func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	exams, err := h.engine.store.CountActiveExams(ctx)
	if err != nil {
		return err
	}
	students, err := h.engine.store.CountStudents(ctx)
	if err != nil {
		return err
	}
	return pipeline.Render(w, r, http.StatusOK, map[string]any{
		"total_exams":    exams,
		"total_students": students,
	})
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	list, err := h.engine.store.ListActiveExams(ctx)
	if err != nil {
		return err
	}
	completed, err := h.engine.store.ListSessionsByUser(ctx, rc.Identity.UserId, true, 0)
	if err != nil {
		return err
	}
	completedIds := make([]int64, 0, len(completed))
	for _, es := range completed {
		completedIds = append(completedIds, es.ExamId)
	}
	if list == nil {
		list = []Exam{}
	}
	return pipeline.Render(w, r, http.StatusOK, map[string]any{
		"exams":              list,
		"completed_exam_ids": completedIds,
	})
}

func (h *Handlers) Detail(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	examId, err := pathId(r, "examId")
	if err != nil {
		return err
	}
	exam, err := h.engine.store.LoadExam(ctx, examId, true)
	if err != nil {
		return notFound(err)
	}
	exam.Questions = nil

	data := map[string]any{"exam": exam, "existing_session": nil}
	existing, err := h.engine.store.FindSession(ctx, rc.Identity.UserId, examId)
	switch {
	case err == nil:
		data["existing_session"] = existing
	case !errors.Is(err, ErrExamSessionNotFound):
		return err
	}
	return pipeline.Render(w, r, http.StatusOK, data)
}

// Start creates or resumes the user's session for the exam and remembers it in
// the browser session. A finished exam sends the user to its result instead.
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)

	examId, err := pathId(r, "examId")
	if err != nil {
		return err
	}
	es, created, err := h.engine.CreateOrResume(r.Context(), rc.Identity.UserId, examId, rc.ClientIP)
	if err != nil {
		return notFound(err)
	}
	if es.Status == StatusCompleted {
		rc.Flash("warning", "You have already taken this exam.")
		return pipeline.Redirect(w, r, resultURL(es.Id))
	}
	if created {
		rc.Flash("info", "Exam started.")
	}

	rc.Session.Set(sessions.KeyCurrentExamSessionId, es.Id)
	rc.Session.Set(sessions.KeyExamStartTime, time.Now().UTC().Format(time.RFC3339Nano))
	return pipeline.Redirect(w, r, fmt.Sprintf("/exam/%d/take/", examId))
}

// Take shows the questions with the answers given so far. A POST records an
// answer for every question_<id> field, finishes the session and forgets it.
func (h *Handlers) Take(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	examId, err := pathId(r, "examId")
	if err != nil {
		return err
	}
	exam, err := h.engine.store.LoadExam(ctx, examId, false)
	if err != nil {
		return notFound(err)
	}

	sessionId, ok := rc.Session.GetInt64(sessions.KeyCurrentExamSessionId)
	if !ok {
		rc.Flash("error", "No exam session in progress.")
		return pipeline.Redirect(w, r, fmt.Sprintf("/exam/%d/", examId))
	}
	es, err := h.engine.OwnedSession(ctx, sessionId, rc.Identity.UserId)
	if err == nil && es.ExamId != examId {
		err = ErrExamSessionNotFound
	}
	if err != nil {
		return notFound(err)
	}
	if es.Status == StatusCompleted {
		rc.Flash("warning", "This exam is already finished.")
		return pipeline.Redirect(w, r, resultURL(es.Id))
	}
	if es.Status == StatusAbandoned {
		rc.Session.Delete(sessions.KeyCurrentExamSessionId)
		rc.Session.Delete(sessions.KeyExamStartTime)
		rc.Flash("error", "No exam session in progress.")
		return pipeline.Redirect(w, r, fmt.Sprintf("/exam/%d/", examId))
	}

	if r.Method != http.MethodPost {
		answered, err := h.engine.Answered(ctx, es.Id)
		if err != nil {
			return err
		}
		return pipeline.Render(w, r, http.StatusOK, map[string]any{
			"exam":          exam,
			"session":       es,
			"answered_dict": answered,
		})
	}

	for _, q := range exam.Questions {
		raw := r.PostFormValue(fmt.Sprintf("question_%d", q.Id))
		if raw == "" {
			continue
		}
		choiceId, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return pipeline.Error(http.StatusNotFound, "404 Not Found")
		}
		_, err = h.engine.RecordAnswer(ctx, es.Id, q.Id, choiceId)
		if errors.Is(err, ErrChoiceMismatch) {
			return pipeline.Error(http.StatusNotFound, "404 Not Found")
		}
		if err != nil {
			return err
		}
	}

	if _, err := h.engine.Finish(ctx, es.Id); err != nil {
		return err
	}
	rc.Session.Delete(sessions.KeyCurrentExamSessionId)
	rc.Session.Delete(sessions.KeyExamStartTime)
	rc.Flash("success", "Exam finished.")
	return pipeline.Redirect(w, r, resultURL(es.Id))
}

// Abandon gives up the user's attempt at the exam and forgets it in the
// browser session.
func (h *Handlers) Abandon(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	examId, err := pathId(r, "examId")
	if err != nil {
		return err
	}
	es, err := h.engine.store.FindSession(ctx, rc.Identity.UserId, examId)
	if err != nil {
		return notFound(err)
	}
	err = h.engine.Abandon(ctx, es.Id)
	if errors.Is(err, ErrExamSessionCompleted) {
		rc.Flash("warning", "This exam is already finished.")
		return pipeline.Redirect(w, r, resultURL(es.Id))
	}
	if err != nil {
		return err
	}

	if current, ok := rc.Session.GetInt64(sessions.KeyCurrentExamSessionId); ok && current == es.Id {
		rc.Session.Delete(sessions.KeyCurrentExamSessionId)
		rc.Session.Delete(sessions.KeyExamStartTime)
	}
	rc.Flash("info", "Exam abandoned.")
	return pipeline.Redirect(w, r, "/exams/")
}

func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	sessionId, err := pathId(r, "sessionId")
	if err != nil {
		return err
	}
	es, err := h.engine.OwnedSession(ctx, sessionId, rc.Identity.UserId)
	if err != nil {
		return notFound(err)
	}
	exam, lines, err := h.engine.Results(ctx, es)
	if err != nil {
		return err
	}

	correct := 0
	for _, l := range lines {
		if l.IsCorrect {
			correct++
		}
	}
	if lines == nil {
		lines = []ResultLine{}
	}
	data := map[string]any{
		"session":         es,
		"exam_title":      exam.Title,
		"passed":          es.Passed(exam.PassingScore),
		"results":         lines,
		"total_questions": len(lines),
		"correct_answers": correct,
	}
	if minutes, ok := es.Duration(); ok {
		data["duration_minutes"] = minutes
	}
	return pipeline.Render(w, r, http.StatusOK, data)
}

func (h *Handlers) MyResults(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)
	list, err := h.engine.store.ListSessionsByUser(r.Context(), rc.Identity.UserId, true, 0)
	if err != nil {
		return err
	}
	if list == nil {
		list = []ExamSession{}
	}
	return pipeline.Render(w, r, http.StatusOK, map[string]any{"sessions": list})
}

func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	rc := pipeline.FromRequest(r)

	stats, err := h.engine.Stats(ctx, rc.Identity.UserId)
	if err != nil {
		return err
	}
	recent, err := h.engine.store.ListSessionsByUser(ctx, rc.Identity.UserId, false, recentSessionsLimit)
	if err != nil {
		return err
	}
	if recent == nil {
		recent = []ExamSession{}
	}
	return pipeline.Render(w, r, http.StatusOK, map[string]any{
		"total_exams_taken":  stats.Taken,
		"total_exams_passed": stats.Passed,
		"avg_score":          stats.AverageScore,
		"recent_sessions":    recent,
	})
}

// MiddlewareDemo shows what the pipeline keeps in the session.
func (h *Handlers) MiddlewareDemo(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)
	logs, err := h.engine.store.RecentRequestLogs(r.Context(), rc.Identity.UserId, recentLogsLimit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []RequestLog{}
	}
	lastActivity, _ := rc.Session.GetString(sessions.KeyLastActivity)
	sessionIP, _ := rc.Session.GetString(sessions.KeySessionIP)
	return pipeline.Render(w, r, http.StatusOK, map[string]any{
		"recent_logs": logs,
		"session_info": map[string]any{
			"session_key":      rc.Session.Id().String(),
			"last_activity":    lastActivity,
			"session_ip":       sessionIP,
			"exam_in_progress": rc.Session.Has(sessions.KeyCurrentExamSessionId),
		},
	})
}

type newExamRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Duration     int    `json:"duration"`
	PassingScore *int   `json:"passing_score"`
	Questions    []struct {
		Text    string `json:"text"`
		Points  *int   `json:"points"`
		Choices []struct {
			Text      string `json:"text"`
			IsCorrect bool   `json:"is_correct"`
		} `json:"choices"`
	} `json:"questions"`
}

// Create adds an exam from a JSON body. Staff only.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) error {
	var req newExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return pipeline.Render(w, r, http.StatusBadRequest, map[string]any{"errors": []string{"invalid exam document"}})
	}

	var problems []string
	if req.Title == "" {
		problems = append(problems, "title is required")
	}
	if req.Duration <= 0 {
		problems = append(problems, "duration must be positive")
	}
	passing := DefaultPassingScore
	if req.PassingScore != nil {
		passing = *req.PassingScore
	}
	if passing < 0 || passing > 100 {
		problems = append(problems, "passing_score must be between 0 and 100")
	}

	exam := Exam{
		Title:        req.Title,
		Description:  req.Description,
		Duration:     req.Duration,
		IsActive:     true,
		PassingScore: passing,
	}
	for i, q := range req.Questions {
		points := 1
		if q.Points != nil {
			points = *q.Points
		}
		if points < 0 {
			problems = append(problems, fmt.Sprintf("question %d points must not be negative", i+1))
		}
		question := Question{Text: q.Text, Points: points, Order: i + 1}
		correct := 0
		for _, c := range q.Choices {
			question.Choices = append(question.Choices, Choice{Text: c.Text, IsCorrect: c.IsCorrect})
			if c.IsCorrect {
				correct++
			}
		}
		if q.Text == "" || len(q.Choices) < 2 || correct != 1 {
			problems = append(problems, fmt.Sprintf("question %d needs text, two or more choices and exactly one correct choice", i+1))
		}
		exam.Questions = append(exam.Questions, question)
	}
	if len(problems) > 0 {
		return pipeline.Render(w, r, http.StatusBadRequest, map[string]any{"errors": problems})
	}

	if err := h.engine.store.CreateExam(r.Context(), &exam); err != nil {
		return fmt.Errorf("creating exam %q: %w", exam.Title, err)
	}
	h.engine.log.Info().Int64("exam_id", exam.Id).Str("by", pipeline.FromRequest(r).Identity.Username).Msg("exam created")
	return pipeline.Render(w, r, http.StatusCreated, map[string]any{"exam": exam})
}

func pathId(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, pipeline.Error(http.StatusNotFound, "404 Not Found")
	}
	return id, nil
}

// notFound maps missing exams and sessions to a 404 and passes other errors on.
func notFound(err error) error {
	if IsNotFound(err) {
		return pipeline.Error(http.StatusNotFound, "404 Not Found")
	}
	return err
}

func resultURL(sessionId int64) string {
	return fmt.Sprintf("/result/%d/", sessionId)
}
