package search

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/combodevy/question-site/internal/bank"
	"github.com/combodevy/question-site/internal/store"
)

// QuestionSource is the store query used when the index is unavailable.
type QuestionSource interface {
	SearchQuestions(ctx context.Context, ownerID, text string, limit int) ([]store.QuestionMatch, error)
}

// StoreSearcher implements Searcher on top of the question store.
type StoreSearcher struct {
	source QuestionSource
}

func NewStoreSearcher(source QuestionSource) *StoreSearcher {
	return &StoreSearcher{source: source}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	matches, err := s.source.SearchQuestions(ctx, q.OwnerID, q.Text, limit)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		var question bank.Question
		if err := json.Unmarshal(m.Content, &question); err != nil {
			continue
		}
		results = append(results, Result{
			QuestionID: question.ID,
			Subject:    question.Subject,
			Chapter:    question.Chapter,
			Prompt:     question.Prompt,
			Type:       question.Type,
			Snippet:    question.Prompt,
			Position:   m.Position,
			Question:   m.Content,
		})
	}
	return results, len(results), nil
}
