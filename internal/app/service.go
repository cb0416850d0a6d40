package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/combodevy/question-site/internal/archive"
	"github.com/combodevy/question-site/internal/auth"
	"github.com/combodevy/question-site/internal/bank"
	"github.com/combodevy/question-site/internal/config"
	"github.com/combodevy/question-site/internal/notify"
	"github.com/combodevy/question-site/internal/search"
	"github.com/combodevy/question-site/internal/store"
)

const (
	SaveModeFull     = "full"
	SaveModeMetadata = "metadata"
	SaveModePartial  = "partial"
)

// auditTimeout bounds audit writes made after the save transaction ended.
const auditTimeout = 5 * time.Second

const archiveTimeout = 15 * time.Second

type SaveRequest struct {
	OwnerID             string
	Name                string
	Questions           []bank.Question
	State               json.RawMessage
	Version             int64
	Delta               json.RawMessage
	SkipQuestionsUpdate bool
	StatePartial        bool
	HistoryAppend       []bank.HistoryEvent
	PartialFields       []string
	PartialValues       map[string]json.RawMessage
	ClientIP            string
	UserAgent           string
}

// Mode reports how the save treats stored rows and state.
func (r SaveRequest) Mode() string {
	switch {
	case r.StatePartial && isNullJSON(r.State):
		return SaveModePartial
	case r.SkipQuestionsUpdate:
		return SaveModeMetadata
	default:
		return SaveModeFull
	}
}

// partialUpdate merges the listed field names with the supplied values. A
// listed name without a value resets that field.
func (r SaveRequest) partialUpdate() bank.PartialUpdate {
	update := make(bank.PartialUpdate, len(r.PartialFields)+len(r.PartialValues))
	for _, name := range r.PartialFields {
		update[name] = nil
	}
	for name, value := range r.PartialValues {
		update[name] = value
	}
	return update
}

type SaveResult struct {
	SetID   int64
	Version int64
}

type LoadOptions struct {
	HistoryAfter int64
	IfNoneMatch  string
}

type LoadResult struct {
	Found          bool
	NotModified    bool
	ETag           string
	SetID          int64
	Name           string
	Version        int64
	State          bank.Snapshot
	HistoryPartial bool
	HistoryTotal   int
}

// DataStore is the persistence surface the service needs. Both
// store.PostgresStore and store.MemoryStore implement it.
type DataStore interface {
	WithinSaveTx(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.SaveTx) error) error
	GetSetHead(ctx context.Context, ownerID string) (store.SetHead, error)
	LoadSet(ctx context.Context, ownerID string) (store.LoadedSet, error)
	InsertSyncLog(ctx context.Context, entry store.SyncLogEntry) error
	ListSyncLogs(ctx context.Context, ownerID string, limit int) ([]store.SyncLogEntry, error)
	SearchQuestions(ctx context.Context, ownerID, text string, limit int) ([]store.QuestionMatch, error)
	Ping(ctx context.Context) error
}

type eventDispatcher interface {
	Dispatch(event notify.Event)
	Wait(ctx context.Context) error
}

type snapshotArchive interface {
	Put(ctx context.Context, ownerID string, setID, version int64, snapshot []byte) error
	Get(ctx context.Context, ownerID string, setID, version int64) ([]byte, error)
	Versions(ctx context.Context, ownerID string, setID int64) ([]int64, error)
}

// Dependencies are the optional collaborators of the service. Nil fields
// disable the matching feature.
type Dependencies struct {
	Dispatcher eventDispatcher
	Search     *search.Service
	Archive    snapshotArchive
	Logger     *slog.Logger
}

type Service struct {
	cfg        config.Config
	store      DataStore
	verifier   *auth.Verifier
	dispatcher eventDispatcher
	search     *search.Service
	archive    snapshotArchive
	logger     *slog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

func New(cfg config.Config, dataStore DataStore, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncLogLimit <= 0 {
		cfg.SyncLogLimit = 50
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		verifier:   auth.NewVerifier(cfg.JWTSecret),
		dispatcher: deps.Dispatcher,
		search:     deps.Search,
		archive:    deps.Archive,
		logger:     logger,
		now:        time.Now,
	}
}

// OwnerFromToken resolves a bearer token to the owner id.
func (s *Service) OwnerFromToken(token string) (string, error) {
	return s.verifier.Verify(token)
}

func (s *Service) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	name := req.Name
	if strings.TrimSpace(name) == "" {
		return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}

	mode := req.Mode()
	var (
		incoming bank.Snapshot
		updates  bank.PartialUpdate
	)
	switch {
	case mode == SaveModePartial:
		updates = req.partialUpdate()
		if err := updates.Validate(); err != nil {
			return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{
				"allowedFields": bank.PartialFieldNames(),
			})
		}
	case isNullJSON(req.State):
		incoming = bank.Snapshot{}.Normalized()
	default:
		if err := bank.ValidateSnapshotJSON(req.State); err != nil {
			return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		}
		decoded, err := bank.DecodeSnapshot(req.State)
		if err != nil {
			return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("state: %v", err), nil)
		}
		incoming = decoded
	}

	questions := bank.Dedupe(req.Questions)
	rows, err := marshalRows(questions)
	if err != nil {
		return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}

	var (
		result      SaveResult
		rowsWritten bool
		stateBlob   []byte
	)
	err = s.store.WithinSaveTx(ctx, req.OwnerID, func(ctx context.Context, tx store.SaveTx) error {
		set, created, err := tx.LockSet(ctx, name)
		if err != nil {
			return err
		}
		if set.Version != req.Version {
			return &ConflictError{ServerVersion: set.Version}
		}

		next := incoming
		if mode == SaveModePartial {
			current, decodeErr := bank.DecodeSnapshot(set.State)
			if decodeErr != nil {
				s.logger.WarnContext(ctx, "stored snapshot unreadable, merging into defaults",
					"owner_id", req.OwnerID, "set_id", set.ID, "error", decodeErr)
			}
			if next, err = bank.MergePartial(current, req.HistoryAppend, updates); err != nil {
				return err
			}
		} else {
			next.History = bank.MergeHistory(next.History, req.HistoryAppend)
		}

		stateBlob, err = json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		version, err := tx.AdvanceVersion(ctx, set.ID, set.Version, name, stateBlob)
		if errors.Is(err, store.ErrVersionMismatch) {
			return &ConflictError{ServerVersion: set.Version}
		}
		if err != nil {
			return err
		}

		isNew := created || set.Version == 0
		if mode == SaveModeFull || (mode == SaveModeMetadata && isNew) {
			if err := tx.ReplaceQuestions(ctx, set.ID, version, rows); err != nil {
				return err
			}
			rowsWritten = true
		}

		entry := s.auditEntry(req, mode, len(questions), rowsWritten, store.SyncStatusSuccess, "")
		if err := tx.AppendSyncLog(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "sync log write failed", "owner_id", req.OwnerID, "status", entry.Status, "error", err)
		}

		result = SaveResult{SetID: set.ID, Version: version}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.appendAudit(ctx, s.auditEntry(req, mode, len(questions), false, store.SyncStatusConflict, "version_conflict"))
			s.logger.InfoContext(ctx, "save rejected: version conflict",
				"owner_id", req.OwnerID, "client_version", req.Version, "server_version", conflict.ServerVersion)
			return SaveResult{}, conflict
		}
		if errors.Is(err, bank.ErrFieldNotAllowed) {
			return SaveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		}
		storageErr := &StorageError{Op: "save question set", Err: err}
		s.logger.ErrorContext(ctx, "save question set failed", "owner_id", req.OwnerID, "mode", mode, "error", err)
		s.appendAudit(ctx, s.auditEntry(req, mode, len(questions), false, store.SyncStatusError, storageErr.Detail()))
		return SaveResult{}, storageErr
	}

	s.logger.InfoContext(ctx, "question set saved",
		"owner_id", req.OwnerID, "set_id", result.SetID, "version", result.Version,
		"mode", mode, "questions", len(questions), "rows_written", rowsWritten)
	s.afterCommit(req.OwnerID, result, stateBlob, questions, rowsWritten)
	return result, nil
}

// afterCommit starts the best-effort side effects of a committed save. None
// of them can change the save outcome.
func (s *Service) afterCommit(ownerID string, result SaveResult, stateBlob []byte, questions []bank.Question, rowsWritten bool) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Event{
			Type:    notify.EventQuestionSetUpdated,
			OwnerID: ownerID,
			SetID:   result.SetID,
			Version: result.Version,
			At:      s.now().UTC(),
		})
	}

	if rowsWritten && s.search != nil {
		records, err := search.RecordsFor(ownerID, result.SetID, result.Version, questions)
		if err != nil {
			s.logger.Warn("build search records failed", "owner_id", ownerID, "set_id", result.SetID, "error", err)
		} else {
			s.search.IndexQuestions(records)
		}
	}

	if s.archive != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := s.archive.Put(ctx, ownerID, result.SetID, result.Version, stateBlob); err != nil {
				s.logger.Warn("archive snapshot failed",
					"owner_id", ownerID, "set_id", result.SetID, "version", result.Version, "error", err)
			}
		}()
	}
}

// auditEntry summarises a save attempt. The client's delta object is kept
// and extended with server-side facts.
func (s *Service) auditEntry(req SaveRequest, mode string, questionCount int, rowsWritten bool, status, errText string) store.SyncLogEntry {
	summary := map[string]any{}
	if len(req.Delta) > 0 {
		var clientDelta map[string]json.RawMessage
		if err := json.Unmarshal(req.Delta, &clientDelta); err == nil {
			for key, value := range clientDelta {
				summary[key] = value
			}
		}
	}
	summary["ip"] = firstNonBlank(req.ClientIP, "unknown")
	summary["ua"] = firstNonBlank(req.UserAgent, "unknown")
	summary["mode"] = mode
	summary["clientVersion"] = req.Version
	summary["historyAppended"] = len(req.HistoryAppend)
	if rowsWritten {
		summary["questionCount"] = questionCount
		summary["duplicatesDropped"] = len(req.Questions) - questionCount
	}
	if mode == SaveModePartial {
		summary["partialFields"] = req.partialUpdate().Names()
	}

	delta, err := json.Marshal(summary)
	if err != nil {
		delta = nil
	}
	return store.SyncLogEntry{
		OwnerID: req.OwnerID,
		Delta:   delta,
		Status:  status,
		Error:   errText,
	}
}

// appendAudit writes an entry outside any transaction. The request context
// may already be canceled, so only its values are kept.
func (s *Service) appendAudit(ctx context.Context, entry store.SyncLogEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.store.InsertSyncLog(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "sync log write failed", "owner_id", entry.OwnerID, "status", entry.Status, "error", err)
	}
}

func (s *Service) Load(ctx context.Context, ownerID string, opts LoadOptions) (LoadResult, error) {
	head, err := s.store.GetSetHead(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return LoadResult{}, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "load set head failed", "owner_id", ownerID, "error", err)
		return LoadResult{}, &StorageError{Op: "load question set", Err: err}
	}

	if etagMatches(opts.IfNoneMatch, ETag(head.Version)) {
		return LoadResult{Found: true, NotModified: true, ETag: ETag(head.Version), SetID: head.ID, Version: head.Version}, nil
	}

	loaded, err := s.store.LoadSet(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return LoadResult{}, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "load question set failed", "owner_id", ownerID, "error", err)
		return LoadResult{}, &StorageError{Op: "load question set", Err: err}
	}

	rows := make([]bank.Question, 0, len(loaded.Questions))
	for i, raw := range loaded.Questions {
		var q bank.Question
		if err := json.Unmarshal(raw, &q); err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable question row", "set_id", loaded.ID, "position", i, "error", err)
			continue
		}
		rows = append(rows, q)
	}

	snapshot, err := bank.DecodeSnapshot(loaded.State)
	if err != nil {
		s.logger.WarnContext(ctx, "stored snapshot unreadable, using defaults", "set_id", loaded.ID, "error", err)
	}
	rebuilt := bank.BuildBank(rows)
	healed, usedCache := bank.Heal(rebuilt, snapshot.Bank)
	if usedCache {
		s.logger.InfoContext(ctx, "serving cached bank over rebuilt rows",
			"set_id", loaded.ID, "rows", rebuilt.Count(), "cached", snapshot.Bank.Count())
	}
	history, partial := bank.HistoryAfter(snapshot.History, opts.HistoryAfter)

	state := snapshot
	state.Bank = healed
	state.History = history
	return LoadResult{
		Found:          true,
		ETag:           ETag(loaded.Version),
		SetID:          loaded.ID,
		Name:           loaded.Name,
		Version:        loaded.Version,
		State:          state.Normalized(),
		HistoryPartial: partial,
		HistoryTotal:   len(snapshot.History),
	}, nil
}

// ETag is the entity tag of a set at version.
func ETag(version int64) string {
	return fmt.Sprintf(`"v%d"`, version)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

func (s *Service) SyncLogs(ctx context.Context, ownerID string) ([]store.SyncLogEntry, error) {
	entries, err := s.store.ListSyncLogs(ctx, ownerID, s.cfg.SyncLogLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "list sync logs failed", "owner_id", ownerID, "error", err)
		return nil, &StorageError{Op: "list sync logs", Err: err}
	}
	return entries, nil
}

func (s *Service) SearchQuestions(ctx context.Context, ownerID, text string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text, Source: "none"}, nil
	}
	head, err := s.store.GetSetHead(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return search.Response{Results: []search.Result{}, Query: text, Source: "none"}, nil
	}
	if err != nil {
		return search.Response{}, &StorageError{Op: "search questions", Err: err}
	}
	return s.search.Search(ctx, search.Query{
		OwnerID:     ownerID,
		Text:        text,
		RowsVersion: head.RowsVersion,
		Limit:       limit,
	}), nil
}

// ArchivedVersions lists the archived snapshot versions of the owner's set,
// newest first.
func (s *Service) ArchivedVersions(ctx context.Context, ownerID string) ([]int64, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Snapshot archive is not configured", nil)
	}
	head, err := s.store.GetSetHead(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return []int64{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list archived versions", Err: err}
	}
	versions, err := s.archive.Versions(ctx, ownerID, head.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "list archived versions failed", "owner_id", ownerID, "error", err)
		return nil, domainError(http.StatusBadGateway, "ARCHIVE_ERROR", "Snapshot archive unavailable", nil)
	}
	return versions, nil
}

func (s *Service) ArchivedState(ctx context.Context, ownerID string, version int64) (json.RawMessage, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Snapshot archive is not configured", nil)
	}
	head, err := s.store.GetSetHead(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No question set", nil)
	}
	if err != nil {
		return nil, &StorageError{Op: "load archived state", Err: err}
	}
	blob, err := s.archive.Get(ctx, ownerID, head.ID, version)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not archived", map[string]any{"version": version})
		}
		s.logger.ErrorContext(ctx, "load archived state failed", "owner_id", ownerID, "version", version, "error", err)
		return nil, domainError(http.StatusBadGateway, "ARCHIVE_ERROR", "Snapshot archive unavailable", nil)
	}
	return json.RawMessage(blob), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until every post-commit side effect started so far is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Wait(ctx); err != nil {
			return err
		}
	}
	return s.search.Wait(ctx)
}

func marshalRows(questions []bank.Question) ([]json.RawMessage, error) {
	rows := make([]json.RawMessage, len(questions))
	for i, q := range questions {
		raw, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		rows[i] = raw
	}
	return rows, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
