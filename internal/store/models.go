package store

import (
	"encoding/json"
	"time"
)

const (
	SyncStatusSuccess  = "success"
	SyncStatusError    = "error"
	SyncStatusConflict = "conflict"
)

// QuestionSet is the per-owner version record. State holds the snapshot
// blob as stored, nil before the first save.
type QuestionSet struct {
	ID          int64
	OwnerID     string
	Name        string
	Version     int64
	RowsVersion int64
	State       []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SetHead is the part of a set needed to answer conditional loads.
type SetHead struct {
	ID          int64
	Version     int64
	RowsVersion int64
}

// LoadedSet is a set together with its question rows in row order, read
// from one consistent snapshot.
type LoadedSet struct {
	QuestionSet
	Questions []json.RawMessage
}

type SyncLogEntry struct {
	ID        int64
	OwnerID   string
	Delta     json.RawMessage
	Status    string
	Error     string
	CreatedAt time.Time
}

// QuestionMatch is a stored question row returned by a search.
type QuestionMatch struct {
	SetID    int64
	Position int
	Content  json.RawMessage
}
