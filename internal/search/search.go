// Package search finds questions in an owner's current bank. Meilisearch
// serves queries when it is reachable; the store answers otherwise.
package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/combodevy/question-site/internal/bank"
)

// Result is a single search hit returned to the caller.
type Result struct {
	QuestionID string          `json:"questionId,omitempty"`
	Subject    string          `json:"subject"`
	Chapter    string          `json:"chapter"`
	Prompt     string          `json:"prompt"`
	Type       string          `json:"type,omitempty"`
	Snippet    string          `json:"snippet"`
	Position   int             `json:"position"`
	Question   json.RawMessage `json:"question"`
}

// Query describes a search request. RowsVersion pins the search to the
// version at which the owner's rows were last written.
type Query struct {
	OwnerID     string
	Text        string
	RowsVersion int64
	Limit       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a question search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// QuestionRecord is the data we index for one stored question row.
type QuestionRecord struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	SetID       int64  `json:"setId"`
	RowsVersion int64  `json:"rowsVersion"`
	Position    int    `json:"position"`
	QuestionID  string `json:"questionId"`
	Subject     string `json:"sub"`
	Chapter     string `json:"chap"`
	Prompt      string `json:"q"`
	Type        string `json:"type"`
	Content     string `json:"content"`
}

// RecordsFor builds index records for the rows written at rowsVersion.
// Document ids depend only on set and position, so a later write
// overwrites earlier documents in place.
func RecordsFor(ownerID string, setID, rowsVersion int64, questions []bank.Question) ([]QuestionRecord, error) {
	records := make([]QuestionRecord, 0, len(questions))
	for pos, q := range questions {
		content, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("marshal question %d: %w", pos, err)
		}
		records = append(records, QuestionRecord{
			ID:          fmt.Sprintf("s%d_p%d", setID, pos),
			OwnerID:     ownerID,
			SetID:       setID,
			RowsVersion: rowsVersion,
			Position:    pos,
			QuestionID:  q.ID,
			Subject:     q.Subject,
			Chapter:     q.Chapter,
			Prompt:      q.Prompt,
			Type:        q.Type,
			Content:     string(content),
		})
	}
	return records, nil
}
