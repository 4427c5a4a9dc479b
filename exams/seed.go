package exams

import (
	"context"
	"fmt"
)

type seedQuestion struct {
	text    string
	correct int
	choices []string
}

type seedExam struct {
	title, description string
	duration           int
	questions          []seedQuestion
}

var sampleExams = []seedExam{
	{
		title:       "Go - Beginner",
		description: "The fundamentals of the Go language.",
		duration:    30,
		questions: []seedQuestion{
			{"Which keyword declares a function?", 1, []string{"def", "func", "function", "fn"}},
			{"Which type holds true or false?", 2, []string{"int", "string", "bool", "byte"}},
			{"How do you create a slice of three ints?", 0, []string{"[]int{1, 2, 3}", "{1, 2, 3}", "(1, 2, 3)", "<1, 2, 3>"}},
			{"Which function prints a formatted line?", 3, []string{"echo", "console.log", "print!", "fmt.Printf"}},
			{"How does a line comment start?", 0, []string{"//", "#", "--", "<!--"}},
		},
	},
	{
		title:       "HTTP - Fundamentals",
		description: "Methods, status codes and cookies.",
		duration:    20,
		questions: []seedQuestion{
			{"Which method is safe and idempotent?", 0, []string{"GET", "POST", "PATCH", "CONNECT"}},
			{"Which status means the resource was created?", 1, []string{"200", "201", "204", "302"}},
			{"Which cookie attribute hides it from scripts?", 2, []string{"Secure", "SameSite", "HttpOnly", "Path"}},
			{"Which status is returned for a failed CSRF check?", 3, []string{"400", "401", "404", "403"}},
		},
	},
	{
		title:       "SQL - Basics",
		description: "Querying relational data.",
		duration:    25,
		questions: []seedQuestion{
			{"Which clause filters rows?", 1, []string{"ORDER BY", "WHERE", "GROUP BY", "LIMIT"}},
			{"Which constraint forbids duplicate values?", 0, []string{"UNIQUE", "CHECK", "DEFAULT", "INDEX"}},
			{"Which statement changes existing rows?", 2, []string{"INSERT", "SELECT", "UPDATE", "ALTER"}},
		},
	},
}

// Seed creates the sample exams unless active exams already exist. It returns
// the number of exams created.
func Seed(ctx context.Context, store Store) (int, error) {
	n, err := store.CountActiveExams(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	for _, se := range sampleExams {
		exam := Exam{
			Title:        se.title,
			Description:  se.description,
			Duration:     se.duration,
			IsActive:     true,
			PassingScore: DefaultPassingScore,
		}
		for i, sq := range se.questions {
			q := Question{Text: sq.text, Points: 1, Order: i + 1}
			for j, text := range sq.choices {
				q.Choices = append(q.Choices, Choice{Text: text, IsCorrect: j == sq.correct})
			}
			exam.Questions = append(exam.Questions, q)
		}
		if err := store.CreateExam(ctx, &exam); err != nil {
			return 0, fmt.Errorf("seeding %q: %w", se.title, err)
		}
	}
	return len(sampleExams), nil
}
