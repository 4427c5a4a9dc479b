// Package exams stores multiple-choice exams and scores the sessions in which
// users take them.
package exams

import (
	"math"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

const DefaultPassingScore = 60

type Exam struct {
	Id           int64      `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Duration     int        `json:"duration"` // minutes
	IsActive     bool       `json:"is_active"`
	PassingScore int        `json:"passing_score"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	NumQuestions int        `json:"num_questions"`
	Questions    []Question `json:"questions,omitempty"`
}

func (e Exam) TotalPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

type Question struct {
	Id      int64    `json:"id"`
	ExamId  int64    `json:"exam_id"`
	Text    string   `json:"text"`
	Points  int      `json:"points"`
	Order   int      `json:"order"`
	Choices []Choice `json:"choices,omitempty"`
}

// CorrectChoice returns the first choice marked correct.
func (q Question) CorrectChoice() (Choice, bool) {
	for _, c := range q.Choices {
		if c.IsCorrect {
			return c, true
		}
	}
	return Choice{}, false
}

type Choice struct {
	Id         int64  `json:"id"`
	QuestionId int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"-"`
}

// ExamSession links a user to one attempt at an exam. There is at most one per
// user and exam.
type ExamSession struct {
	Id         int64      `json:"id"`
	UserId     string     `json:"user_id"`
	ExamId     int64      `json:"exam_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Score      *float64   `json:"score,omitempty"`
	Status     Status     `json:"status"`
	IPAddress  string     `json:"ip_address,omitempty"`

	// filled by listings that join the exam
	ExamTitle    string `json:"exam_title,omitempty"`
	PassingScore int    `json:"passing_score,omitempty"`
}

// Duration is the time taken in minutes, rounded to two decimals.
func (s ExamSession) Duration() (float64, bool) {
	if s.FinishedAt == nil {
		return 0, false
	}
	minutes := s.FinishedAt.Sub(s.StartedAt).Minutes()
	return math.Round(minutes*100) / 100, true
}

func (s ExamSession) Passed(passingScore int) bool {
	return s.Score != nil && *s.Score >= float64(passingScore)
}

type Answer struct {
	Id         int64     `json:"id"`
	SessionId  int64     `json:"session_id"`
	QuestionId int64     `json:"question_id"`
	ChoiceId   int64     `json:"choice_id"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ResultLine is one answered question on a result page. Points are those
// earned, zero for a wrong answer.
type ResultLine struct {
	Question      string `json:"question"`
	UserChoice    string `json:"user_choice"`
	CorrectChoice string `json:"correct_choice"`
	IsCorrect     bool   `json:"is_correct"`
	Points        int    `json:"points"`
}

type UserStats struct {
	Taken        int     `json:"total_exams_taken"`
	Passed       int     `json:"total_exams_passed"`
	AverageScore float64 `json:"avg_score"`
}

// Score is earned over total points as a percentage; an exam worth nothing
// scores zero.
func Score(earned, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(earned) / float64(total) * 100
}

// RequestLog is one request served to a user, as listed on the middleware
// demo page.
type RequestLog struct {
	Id           int64     `json:"id"`
	UserId       string    `json:"user_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime float64   `json:"response_time"` // seconds
}
