package bank

// BuildBank groups question rows by subject and then chapter, keeping row
// order. A question id seen earlier drops the later row, which repairs banks
// written while duplicate inserts were possible. Rows that are not objects
// are skipped.
func BuildBank(rows []Question) Bank {
	out := Bank{}
	seen := make(map[string]struct{}, len(rows))
	for _, q := range rows {
		if q.Malformed() && !isJSONObject(q.raw) {
			continue
		}
		if q.ID != "" {
			if _, dup := seen[q.ID]; dup {
				continue
			}
			seen[q.ID] = struct{}{}
		}
		subject := q.Subject
		if subject == "" {
			subject = DefaultSubject
		}
		chapter := q.Chapter
		if chapter == "" {
			chapter = DefaultChapter
		}
		if out[subject] == nil {
			out[subject] = make(map[string][]Question)
		}
		out[subject][chapter] = append(out[subject][chapter], q)
	}
	return out
}

// Heal picks the bank to serve. The cached bank wins only when it holds
// strictly more questions than the one rebuilt from rows.
func Heal(rebuilt, cached Bank) (Bank, bool) {
	if cached.Count() > rebuilt.Count() {
		return cached, true
	}
	return rebuilt, false
}

// HistoryAfter returns the events newer than the cursor. A cursor of zero or
// less means no cursor and returns the full history.
func HistoryAfter(history []HistoryEvent, after int64) ([]HistoryEvent, bool) {
	if after <= 0 {
		return history, false
	}
	out := make([]HistoryEvent, 0)
	for _, event := range history {
		if event.T > after {
			out = append(out, event)
		}
	}
	return out, true
}
