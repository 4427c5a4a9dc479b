package exams

import "errors"

var ErrExamNotFound = errors.New("The exam was not found or is not active")

var ErrExamSessionNotFound = errors.New("The exam session was not found")

var ErrExamSessionCompleted = errors.New("The exam session is already completed")

var ErrChoiceMismatch = errors.New("The choice does not belong to that question of the exam")

var ErrUnknownDialect = errors.New("Unknown SQL dialect")
