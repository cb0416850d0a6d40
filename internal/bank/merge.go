package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrFieldNotAllowed is returned when a partial update names a field outside
// the partial allow-list.
var ErrFieldNotAllowed = errors.New("field not allowed in partial update")

// partialFields are the snapshot fields a partial update may set directly.
// A missing or null value resets the field to its default.
var partialFields = map[string]func(*Snapshot, json.RawMessage){
	"bankName": func(s *Snapshot, raw json.RawMessage) {
		s.BankName = decodeBankName(raw)
	},
	"lastPracticeTime": func(s *Snapshot, raw json.RawMessage) {
		s.LastPracticeTime = decodeLastPracticeTime(raw)
	},
	"hiddenMistakeIds": func(s *Snapshot, raw json.RawMessage) {
		s.HiddenMistakeIDs = decodeIDList(raw)
	},
	"trash": func(s *Snapshot, raw json.RawMessage) {
		s.Trash = decodeTrash(raw)
	},
}

// PartialFieldNames lists the fields accepted by a partial update.
func PartialFieldNames() []string {
	names := make([]string, 0, len(partialFields))
	for name := range partialFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PartialUpdate maps allow-listed snapshot field names to their new values.
type PartialUpdate map[string]json.RawMessage

// Validate checks field names against the allow-list and values against the
// snapshot schema.
func (u PartialUpdate) Validate() error {
	for _, name := range u.Names() {
		if _, ok := partialFields[name]; !ok {
			return fmt.Errorf("%w: %s", ErrFieldNotAllowed, name)
		}
	}
	return validatePartialValues(u)
}

// Names returns the field names of the update in sorted order.
func (u PartialUpdate) Names() []string {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeHistory appends incoming events to base. Timestamps are unique in the
// result: the first event seen for a timestamp wins. Events without a
// timestamp are always kept.
func MergeHistory(base, incoming []HistoryEvent) []HistoryEvent {
	out := make([]HistoryEvent, 0, len(base)+len(incoming))
	seen := make(map[int64]struct{}, len(base)+len(incoming))
	for _, list := range [][]HistoryEvent{base, incoming} {
		for _, event := range list {
			if event.T != 0 {
				if _, dup := seen[event.T]; dup {
					continue
				}
				seen[event.T] = struct{}{}
			}
			out = append(out, event)
		}
	}
	return out
}

// MergePartial applies an incremental update to the stored snapshot: new
// history events are appended with timestamp dedup and the named fields are
// overwritten. The bank is never touched.
func MergePartial(current Snapshot, historyAppend []HistoryEvent, updates PartialUpdate) (Snapshot, error) {
	if err := updates.Validate(); err != nil {
		return Snapshot{}, err
	}
	next := current.Normalized()
	next.History = MergeHistory(next.History, historyAppend)
	for _, name := range updates.Names() {
		partialFields[name](&next, updates[name])
	}
	return next.Normalized(), nil
}
