package store

import (
	"context"
	"encoding/json"
)

// SaveTx is the write surface available inside a save transaction.
type SaveTx interface {
	// LockSet returns the owner's set locked for the rest of the
	// transaction, creating it at version 0 when it does not exist yet.
	LockSet(ctx context.Context, name string) (set QuestionSet, created bool, err error)
	// AdvanceVersion bumps the version by one when it still equals
	// expected and stores name and state. It returns ErrVersionMismatch
	// otherwise.
	AdvanceVersion(ctx context.Context, setID, expected int64, name string, state []byte) (int64, error)
	// ReplaceQuestions swaps the set's rows for questions, in order.
	ReplaceQuestions(ctx context.Context, setID, rowsVersion int64, questions []json.RawMessage) error
	// AppendSyncLog writes an audit entry without poisoning the
	// transaction when the write fails.
	AppendSyncLog(ctx context.Context, entry SyncLogEntry) error
}

var (
	_ SaveTx = (*pgSaveTx)(nil)
	_ SaveTx = (*memorySaveTx)(nil)
)
