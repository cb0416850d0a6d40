package bank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// SchemaVersion is the snapshot layout written by this service. Blobs
// without a version predate it and are read with the same field rules.
const SchemaVersion = 1

// Labels used when a question has no subject or chapter.
const (
	DefaultSubject = "默认科目"
	DefaultChapter = "默认章节"
)

// Bank is the subject → chapter → ordered question list hierarchy.
type Bank map[string]map[string][]Question

// Count returns the number of leaf questions.
func (b Bank) Count() int {
	total := 0
	for _, chapters := range b {
		for _, questions := range chapters {
			total += len(questions)
		}
	}
	return total
}

// HistoryEvent is one practice event. T is the event timestamp in
// milliseconds and the merge key; the rest of the event is carried in Data.
// A "t" that is not an integer millisecond value stays in Data verbatim and
// the event counts as untimed.
type HistoryEvent struct {
	T    int64
	Data map[string]json.RawMessage

	hasT bool
	raw  json.RawMessage
}

func (e *HistoryEvent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return fmt.Errorf("history event: invalid JSON")
	}
	*e = HistoryEvent{}
	if !isJSONObject(trimmed) {
		e.raw = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fmt.Errorf("history event: %w", err)
	}
	for key, value := range fields {
		if key == "t" {
			if ts, ok := decodeInt64(value); ok {
				e.T = ts
				e.hasT = true
				continue
			}
		}
		if e.Data == nil {
			e.Data = make(map[string]json.RawMessage)
		}
		e.Data[key] = value
	}
	return nil
}

func (e HistoryEvent) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	fields := make(map[string]any, len(e.Data)+1)
	for key, value := range e.Data {
		fields[key] = value
	}
	if e.T != 0 || e.hasT {
		fields["t"] = e.T
	}
	return json.Marshal(fields)
}

// Snapshot is the cached bank state stored next to the question rows.
type Snapshot struct {
	SchemaVersion    int                        `json:"schemaVersion"`
	Bank             Bank                       `json:"bank"`
	BankName         *string                    `json:"bankName"`
	History          []HistoryEvent             `json:"history"`
	LastPracticeTime *int64                     `json:"lastPracticeTime"`
	Trash            map[string]json.RawMessage `json:"trash"`
	HiddenMistakeIDs []string                   `json:"hiddenMistakeIds"`
}

// Normalized fills every missing field with its default and stamps the
// current schema version.
func (s Snapshot) Normalized() Snapshot {
	s.SchemaVersion = SchemaVersion
	if s.Bank == nil {
		s.Bank = Bank{}
	}
	if s.History == nil {
		s.History = []HistoryEvent{}
	}
	if s.Trash == nil {
		s.Trash = map[string]json.RawMessage{}
	}
	if s.HiddenMistakeIDs == nil {
		s.HiddenMistakeIDs = []string{}
	}
	return s
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	type wire Snapshot
	return json.Marshal(wire(s.Normalized()))
}

// UnmarshalJSON decodes a snapshot field by field. A field with an
// unexpected shape falls back to its default instead of failing the whole
// snapshot, so legacy blobs stay readable.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	var out Snapshot
	if v, ok := decodeInt64(fields["schemaVersion"]); ok {
		out.SchemaVersion = int(v)
	}
	out.Bank = decodeBank(fields["bank"])
	out.BankName = decodeBankName(fields["bankName"])
	out.History = decodeHistory(fields["history"])
	out.LastPracticeTime = decodeLastPracticeTime(fields["lastPracticeTime"])
	out.Trash = decodeTrash(fields["trash"])
	out.HiddenMistakeIDs = decodeIDList(fields["hiddenMistakeIds"])
	*s = out.Normalized()
	return nil
}

// DecodeSnapshot reads a stored snapshot blob. An empty or unreadable blob
// yields the default snapshot together with the decode error.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Snapshot{}.Normalized(), nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}.Normalized(), err
	}
	return snapshot, nil
}

func decodeBank(raw json.RawMessage) Bank {
	out := Bank{}
	var subjects map[string]json.RawMessage
	if err := json.Unmarshal(raw, &subjects); err != nil {
		return out
	}
	for subject, rawChapters := range subjects {
		var chapters map[string]json.RawMessage
		if err := json.Unmarshal(rawChapters, &chapters); err != nil || chapters == nil {
			continue
		}
		for chapter, rawList := range chapters {
			var items []Question
			if err := json.Unmarshal(rawList, &items); err != nil || items == nil {
				continue
			}
			if out[subject] == nil {
				out[subject] = make(map[string][]Question)
			}
			out[subject][chapter] = items
		}
	}
	return out
}

func decodeBankName(raw json.RawMessage) *string {
	var name string
	if isNull(raw) || json.Unmarshal(raw, &name) != nil {
		return nil
	}
	return &name
}

func decodeHistory(raw json.RawMessage) []HistoryEvent {
	var events []HistoryEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return []HistoryEvent{}
	}
	return events
}

func decodeLastPracticeTime(raw json.RawMessage) *int64 {
	if ts, ok := decodeInt64(raw); ok {
		return &ts
	}
	return nil
}

func decodeTrash(raw json.RawMessage) map[string]json.RawMessage {
	var trash map[string]json.RawMessage
	if err := json.Unmarshal(raw, &trash); err != nil || trash == nil {
		return map[string]json.RawMessage{}
	}
	return trash
}

// decodeIDList keeps string ids, turns numeric ids into their literal text
// and drops repeats.
func decodeIDList(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		value, err := decodeLoose(item)
		if err != nil {
			continue
		}
		var id string
		switch v := value.(type) {
		case string:
			id = v
		case json.Number:
			id = v.String()
		default:
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func decodeInt64(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	value, err := decodeLoose(raw)
	if err != nil {
		return 0, false
	}
	number, ok := value.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := number.Int64(); err == nil {
		return i, true
	}
	// Exponent forms of whole numbers ("1.7e12") are accepted. Fractions and
	// values outside int64 are not.
	f, err := number.Float64()
	if err != nil || f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
