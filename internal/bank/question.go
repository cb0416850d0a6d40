// Package bank holds the question bank domain: question payloads, the
// versioned state snapshot, content fingerprints and the merge/reconcile
// rules used by the sync service.
package bank

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Question is one question payload as submitted by a client. The fields used
// for grouping and fingerprinting are lifted out; everything else round-trips
// through Extra untouched.
type Question struct {
	ID      string
	Subject string
	Chapter string
	Prompt  string
	Type    string
	Options json.RawMessage
	Answer  json.RawMessage
	Extra   map[string]json.RawMessage

	// labels records which label keys were present in the decoded payload,
	// so an explicit empty string is written back.
	labels map[string]bool
	// raw holds payloads that could not be lifted into the fields above.
	raw json.RawMessage
}

// Malformed reports whether the payload could not be parsed into question
// fields. Malformed payloads are stored and returned verbatim.
func (q Question) Malformed() bool {
	return q.raw != nil
}

func (q *Question) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return fmt.Errorf("question: invalid JSON")
	}
	*q = Question{}
	if !isJSONObject(trimmed) {
		q.raw = append(json.RawMessage(nil), trimmed...)
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fmt.Errorf("question: %w", err)
	}

	parsed := Question{}
	for key, value := range fields {
		switch key {
		case "id":
			var id string
			if err := json.Unmarshal(value, &id); err == nil && id != "" {
				parsed.ID = id
				continue
			}
			parsed.setExtra(key, value)
		case "sub", "chap", "q", "type":
			var text string
			if err := json.Unmarshal(value, &text); err != nil {
				q.raw = append(json.RawMessage(nil), trimmed...)
				return nil
			}
			parsed.setLabel(key, text)
		case "o":
			parsed.Options = value
		case "a":
			parsed.Answer = value
		default:
			parsed.setExtra(key, value)
		}
	}
	*q = parsed
	return nil
}

func (q Question) MarshalJSON() ([]byte, error) {
	if q.raw != nil {
		return q.raw, nil
	}
	fields := make(map[string]any, len(q.Extra)+7)
	for key, value := range q.Extra {
		fields[key] = value
	}
	putString(fields, "id", q.ID, false)
	putString(fields, "sub", q.Subject, q.labels["sub"])
	putString(fields, "chap", q.Chapter, q.labels["chap"])
	putString(fields, "q", q.Prompt, q.labels["q"])
	putString(fields, "type", q.Type, q.labels["type"])
	if q.Options != nil {
		fields["o"] = q.Options
	}
	if q.Answer != nil {
		fields["a"] = q.Answer
	}
	return json.Marshal(fields)
}

func (q *Question) setLabel(key, value string) {
	if q.labels == nil {
		q.labels = make(map[string]bool, 4)
	}
	q.labels[key] = true
	switch key {
	case "sub":
		q.Subject = value
	case "chap":
		q.Chapter = value
	case "q":
		q.Prompt = value
	case "type":
		q.Type = value
	}
}

func (q *Question) setExtra(key string, value json.RawMessage) {
	if q.Extra == nil {
		q.Extra = make(map[string]json.RawMessage)
	}
	q.Extra[key] = value
}

func putString(fields map[string]any, key, value string, present bool) {
	if value != "" || present {
		fields[key] = value
	}
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
