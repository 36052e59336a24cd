package question

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
)

const (
	defaultListLimit = 10
	maxListLimit     = 50
)

type Config struct {
	DB *pgxpool.Pool
}

// Service serves the exam question bank.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

type ListRequest struct {
	// Subject filters the bank; empty means all subjects.
	Subject string
	Limit   int
}

// List returns up to Limit questions in random order, so repeated quizzes
// differ. The stored answer and explanation are stripped from the result.
func (s *Service) List(ctx context.Context, req ListRequest) ([]domain.Question, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	const (
		allStmt = `
SELECT question_id, subject, question_text, options
FROM exam_questions
ORDER BY RANDOM()
LIMIT $1;`

		subjectStmt = `
SELECT question_id, subject, question_text, options
FROM exam_questions
WHERE subject = $2
ORDER BY RANDOM()
LIMIT $1;`
	)

	var rows pgx.Rows
	var err error
	if req.Subject == "" {
		rows, err = s.db.Query(ctx, allStmt, limit)
	} else {
		rows, err = s.db.Query(ctx, subjectStmt, limit, req.Subject)
	}
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		var options []byte
		if err := r.Scan(&q.QuestionID, &q.Subject, &q.QuestionText, &options); err != nil {
			return domain.Question{}, err
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &q.Options); err != nil {
				return domain.Question{}, fmt.Errorf("decode options for %s: %w", q.QuestionID, err)
			}
		}
		return q, nil
	})
}

type CheckRequest struct {
	QuestionID string
	Answer     string
}

type CheckResponse struct {
	Subject       string
	Correct       bool
	CorrectAnswer string
	Explanation   string
}

// Check grades an answer against the stored solution.
func (s *Service) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if req.QuestionID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question_id is required"))
	}

	const stmt = `
SELECT subject, answer, explanation
FROM exam_questions
WHERE question_id = $1;`

	var resp CheckResponse
	err := s.db.QueryRow(ctx, stmt, req.QuestionID).
		Scan(&resp.Subject, &resp.CorrectAnswer, &resp.Explanation)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("question not found: %s", req.QuestionID))
	}
	if err != nil {
		return nil, fmt.Errorf("select question: %w", err)
	}

	resp.Correct = req.Answer == resp.CorrectAnswer

	return &resp, nil
}

// Count returns the size of the question bank, for the status endpoint.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM exam_questions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}

	return n, nil
}
