package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/combodevy/question-site/internal/archive"
	"github.com/combodevy/question-site/internal/bank"
	"github.com/combodevy/question-site/internal/config"
	"github.com/combodevy/question-site/internal/notify"
	"github.com/combodevy/question-site/internal/store"
)

const testSecret = "test-secret"

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(event notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDispatcher) Wait(context.Context) error { return nil }

func (d *recordingDispatcher) Events() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Event(nil), d.events...)
}

type memoryArchive struct {
	mu    sync.Mutex
	blobs map[int64][]byte
}

func (a *memoryArchive) Put(_ context.Context, _ string, _ int64, version int64, snapshot []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blobs == nil {
		a.blobs = map[int64][]byte{}
	}
	a.blobs[version] = append([]byte(nil), snapshot...)
	return nil
}

func (a *memoryArchive) Get(_ context.Context, _ string, _ int64, version int64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob, ok := a.blobs[version]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return blob, nil
}

func (a *memoryArchive) Versions(context.Context, string, int64) ([]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, 0, len(a.blobs))
	for v := range a.blobs {
		out = append(out, v)
	}
	return out, nil
}

// failingStore fails every save transaction with a database error.
type failingStore struct {
	*store.MemoryStore
	err error
}

func (f *failingStore) WithinSaveTx(context.Context, string, func(context.Context, store.SaveTx) error) error {
	return f.err
}

func newTestService(t *testing.T, ds DataStore) (*Service, *recordingDispatcher) {
	t.Helper()
	dispatcher := &recordingDispatcher{}
	svc := New(config.Config{JWTSecret: testSecret, SyncLogLimit: 50}, ds, Dependencies{Dispatcher: dispatcher})
	return svc, dispatcher
}

func questions(t *testing.T, raw string) []bank.Question {
	t.Helper()
	var out []bank.Question
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode questions: %v", err)
	}
	return out
}

func events(t *testing.T, raw string) []bank.HistoryEvent {
	t.Helper()
	var out []bank.HistoryEvent
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return out
}

func timestamps(history []bank.HistoryEvent) []int64 {
	out := make([]int64, 0, len(history))
	for _, e := range history {
		out = append(out, e.T)
	}
	return out
}

func mustSave(t *testing.T, svc *Service, req SaveRequest) SaveResult {
	t.Helper()
	result, err := svc.Save(context.Background(), req)
	if err != nil {
		t.Fatalf("Save(%s v%d) error = %v", req.Name, req.Version, err)
	}
	return result
}

func mustLoad(t *testing.T, svc *Service, ownerID string, opts LoadOptions) LoadResult {
	t.Helper()
	result, err := svc.Load(context.Background(), ownerID, opts)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", ownerID, err)
	}
	return result
}

func mustLoadSet(t *testing.T, ms *store.MemoryStore, ownerID string) store.LoadedSet {
	t.Helper()
	loaded, err := ms.LoadSet(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("LoadSet(%s) error = %v", ownerID, err)
	}
	return loaded
}

func expectDomainError(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status {
		t.Fatalf("status = %d, want %d (%s)", domainErr.Status, status, domainErr.Message)
	}
	return domainErr
}

func expectNoSet(t *testing.T, ms *store.MemoryStore, ownerID string) {
	t.Helper()
	if _, err := ms.GetSetHead(context.Background(), ownerID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSetHead() error = %v, want ErrNotFound", err)
	}
}

const threeQuestions = `[
	{"id":"q1","sub":"数学","chap":"第一章","q":"1+1=?","o":["1","2"],"a":"2","type":"single"},
	{"id":"q2","sub":"数学","chap":"第一章","q":"2+2=?","o":["3","4"],"a":"4","type":"single"},
	{"id":"q3","sub":"语文","chap":"古诗","q":"床前明月光的下一句","a":"疑是地上霜","type":"text"}
]`

func TestSaveRequiresName(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	_, err := svc.Save(context.Background(), SaveRequest{OwnerID: "u1", Name: "   "})
	expectDomainError(t, err, http.StatusBadRequest)

	logs, err := ms.ListSyncLogs(context.Background(), "u1", 50)
	if err != nil {
		t.Fatalf("ListSyncLogs() error = %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(logs))
	}
	expectNoSet(t, ms, "u1")
}

func TestSaveStoresNameAsGiven(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "  期末 复习 "})
	if got := mustLoadSet(t, ms, "u1").Name; got != "  期末 复习 " {
		t.Fatalf("stored name = %q, want it unchanged", got)
	}
}

func TestSaveThenLoadAdvancesVersion(t *testing.T) {
	svc, dispatcher := newTestService(t, store.NewMemoryStore())

	first := mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", Questions: questions(t, threeQuestions)})
	if first.Version != 1 {
		t.Fatalf("first version = %d, want 1", first.Version)
	}

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	if !loaded.Found || loaded.Version != 1 || loaded.SetID != first.SetID || loaded.Name != "Math" {
		t.Fatalf("unexpected load result: found=%v version=%d set=%d name=%q", loaded.Found, loaded.Version, loaded.SetID, loaded.Name)
	}
	if got := loaded.State.Bank.Count(); got != 3 {
		t.Fatalf("bank count = %d, want 3", got)
	}
	if got := len(loaded.State.Bank["数学"]["第一章"]); got != 2 {
		t.Fatalf("数学/第一章 = %d questions, want 2", got)
	}

	second := mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", Version: 1})
	if second.Version != 2 || second.SetID != first.SetID {
		t.Fatalf("second save = %+v, want version 2 on set %d", second, first.SetID)
	}

	sent := dispatcher.Events()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sent))
	}
	if sent[1].Type != notify.EventQuestionSetUpdated || sent[1].OwnerID != "u1" || sent[1].Version != 2 {
		t.Fatalf("unexpected notification: %+v", sent[1])
	}
}

func TestLoadWithoutSetIsEmpty(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())
	result := mustLoad(t, svc, "nobody", LoadOptions{HistoryAfter: 10})
	if result.Found || result.Version != 0 {
		t.Fatalf("expected empty result, got found=%v version=%d", result.Found, result.Version)
	}
}

func TestConcurrentStaleSavesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, dispatcher := newTestService(t, store.NewMemoryStore())

	const writers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts []int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Save(ctx, SaveRequest{OwnerID: "u1", Name: "Math", Version: 0})
			mu.Lock()
			defer mu.Unlock()
			var conflict *ConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts = append(conflicts, conflict.ServerVersion)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	if len(conflicts) != writers-1 {
		t.Fatalf("conflicts = %d, want %d", len(conflicts), writers-1)
	}
	for _, v := range conflicts {
		if v != 1 {
			t.Fatalf("conflict reported server version %d, want 1", v)
		}
	}
	if got := len(dispatcher.Events()); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestSaveDedupesQuestionsWithDifferentIDs(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", Questions: questions(t, `[
		{"id":"a","sub":"数学","chap":"1","q":"1+1=?","o":["1","2"],"a":"2","type":"single"},
		{"id":"b","sub":"数学","chap":"1","q":"1+1=?","o":["1","2"],"a":"2","type":"single"}
	]`)})

	loaded := mustLoadSet(t, ms, "u1")
	if len(loaded.Questions) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(loaded.Questions))
	}
	if !strings.Contains(string(loaded.Questions[0]), `"id":"a"`) {
		t.Fatalf("expected first occurrence to survive, got %s", loaded.Questions[0])
	}
}

func TestPartialAppendLeavesBankAndRowsUntouched(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	mustSave(t, svc, SaveRequest{
		OwnerID:   "u1",
		Name:      "Math",
		Questions: questions(t, threeQuestions),
		State:     json.RawMessage(`{"bank":{"数学":{"第一章":[{"id":"q1","q":"1+1=?"}]}},"bankName":"期末"}`),
	})
	before := mustLoadSet(t, ms, "u1")

	result := mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		Version:       1,
		StatePartial:  true,
		Questions:     questions(t, `[{"id":"zzz","q":"ignored"}]`),
		HistoryAppend: events(t, `[{"t":100,"qid":"q1","ok":true}]`),
	})
	if result.Version != 2 {
		t.Fatalf("version = %d, want 2", result.Version)
	}

	after := mustLoadSet(t, ms, "u1")
	if !reflect.DeepEqual(before.Questions, after.Questions) || before.RowsVersion != after.RowsVersion {
		t.Fatalf("partial save rewrote rows: rows_version %d -> %d", before.RowsVersion, after.RowsVersion)
	}

	stored, err := bank.DecodeSnapshot(after.State)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if got := timestamps(stored.History); !reflect.DeepEqual(got, []int64{100}) {
		t.Fatalf("history = %v, want [100]", got)
	}
	if stored.Bank.Count() != 1 {
		t.Fatalf("cached bank count = %d, want 1", stored.Bank.Count())
	}
	if stored.BankName == nil || *stored.BankName != "期末" {
		t.Fatalf("bankName = %v, want 期末", stored.BankName)
	}
}

func TestPartialHistoryDedupKeepsLength(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", State: json.RawMessage(`{"history":[{"t":100,"ok":true}]}`)})
	mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		Version:       1,
		StatePartial:  true,
		HistoryAppend: events(t, `[{"t":100,"ok":false}]`),
	})

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	if len(loaded.State.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(loaded.State.History))
	}
	if got := string(loaded.State.History[0].Data["ok"]); got != "true" {
		t.Fatalf("kept event ok = %s, want the stored event", got)
	}
}

func TestPartialHistoryKeepsFractionalTimestamps(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", State: json.RawMessage(`{"history":[{"t":100.25,"k":"a"}]}`)})
	mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		Version:       1,
		StatePartial:  true,
		HistoryAppend: events(t, `[{"t":100.75,"k":"b"}]`),
	})

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	out, err := json.Marshal(loaded.State.History)
	if err != nil {
		t.Fatalf("encode history: %v", err)
	}
	if string(out) != `[{"k":"a","t":100.25},{"k":"b","t":100.75}]` {
		t.Fatalf("history = %s", out)
	}
}

func TestPartialFieldUpdates(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", State: json.RawMessage(`{"bankName":"旧名","lastPracticeTime":5}`)})
	mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		Version:       1,
		StatePartial:  true,
		PartialFields: []string{"bankName", "hiddenMistakeIds"},
		PartialValues: map[string]json.RawMessage{
			"hiddenMistakeIds": json.RawMessage(`["q1", 7]`),
			"lastPracticeTime": json.RawMessage(`1700000000000`),
		},
	})

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	if loaded.State.BankName != nil {
		t.Fatalf("bankName = %q, want reset", *loaded.State.BankName)
	}
	if !reflect.DeepEqual(loaded.State.HiddenMistakeIDs, []string{"q1", "7"}) {
		t.Fatalf("hiddenMistakeIds = %v", loaded.State.HiddenMistakeIDs)
	}
	if loaded.State.LastPracticeTime == nil || *loaded.State.LastPracticeTime != 1700000000000 {
		t.Fatalf("lastPracticeTime = %v", loaded.State.LastPracticeTime)
	}
}

func TestPartialRejectsFieldsOutsideAllowList(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	_, err := svc.Save(context.Background(), SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		StatePartial:  true,
		PartialValues: map[string]json.RawMessage{"bank": json.RawMessage(`{}`)},
	})
	expectDomainError(t, err, http.StatusBadRequest)
	expectNoSet(t, ms, "u1")
}

func TestSaveRejectsInvalidState(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())
	_, err := svc.Save(context.Background(), SaveRequest{OwnerID: "u1", Name: "Math", State: json.RawMessage(`{"bank":[1,2]}`)})
	if domainErr := expectDomainError(t, err, http.StatusBadRequest); domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("code = %s, want VALIDATION_ERROR", domainErr.Code)
	}
}

func TestFullStateWithHistoryAppendMerges(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		State:         json.RawMessage(`{"history":[{"t":100},{"t":200}]}`),
		HistoryAppend: events(t, `[{"t":200},{"t":300}]`),
		PartialValues: map[string]json.RawMessage{"bankName": json.RawMessage(`"ignored"`)},
	})

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	if got := timestamps(loaded.State.History); !reflect.DeepEqual(got, []int64{100, 200, 300}) {
		t.Fatalf("history = %v, want [100 200 300]", got)
	}
	if loaded.State.BankName != nil {
		t.Fatalf("partial values applied in full mode: bankName = %q", *loaded.State.BankName)
	}
}

func TestMetadataOnlySave(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	// A brand-new set still receives its rows.
	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", SkipQuestionsUpdate: true, Questions: questions(t, threeQuestions)})
	if got := len(mustLoadSet(t, ms, "u1").Questions); got != 3 {
		t.Fatalf("rows after first save = %d, want 3", got)
	}

	mustSave(t, svc, SaveRequest{
		OwnerID:             "u1",
		Name:                "Renamed",
		Version:             1,
		SkipQuestionsUpdate: true,
		Questions:           questions(t, `[{"id":"x","q":"new"}]`),
	})
	loaded := mustLoadSet(t, ms, "u1")
	if len(loaded.Questions) != 3 || loaded.Name != "Renamed" || loaded.RowsVersion != 1 || loaded.Version != 2 {
		t.Fatalf("unexpected set after metadata save: rows=%d name=%q rows_version=%d version=%d",
			len(loaded.Questions), loaded.Name, loaded.RowsVersion, loaded.Version)
	}
}

func TestLoadHealsFromLargerCachedBank(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	cached := bank.Bank{"数学": {"第一章": {}}}
	for i := 0; i < 10; i++ {
		cached["数学"]["第一章"] = append(cached["数学"]["第一章"], bank.Question{ID: string(rune('a' + i)), Prompt: "cached"})
	}
	state, err := json.Marshal(bank.Snapshot{Bank: cached})
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", Questions: questions(t, threeQuestions), State: state})

	if got := mustLoad(t, svc, "u1", LoadOptions{}).State.Bank.Count(); got != 10 {
		t.Fatalf("bank count = %d, want the cached 10", got)
	}
}

func TestLoadPrefersRowsWhenCacheIsNotLarger(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	mustSave(t, svc, SaveRequest{
		OwnerID:   "u1",
		Name:      "Math",
		Questions: questions(t, threeQuestions),
		State:     json.RawMessage(`{"bank":{"旧":{"旧":[{"id":"1"},{"id":"2"},{"id":"3"}]}}}`),
	})

	loaded := mustLoad(t, svc, "u1", LoadOptions{})
	if _, ok := loaded.State.Bank["数学"]; !ok {
		t.Fatalf("expected bank rebuilt from rows, got %v", loaded.State.Bank)
	}
	if _, ok := loaded.State.Bank["旧"]; ok {
		t.Fatalf("cached bank should not win when it is not larger")
	}
}

func TestLoadIfNoneMatch(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())
	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math"})

	result := mustLoad(t, svc, "u1", LoadOptions{IfNoneMatch: `"v1"`})
	if !result.NotModified || result.ETag != `"v1"` {
		t.Fatalf("matching tag: notModified=%v etag=%s", result.NotModified, result.ETag)
	}

	result = mustLoad(t, svc, "u1", LoadOptions{IfNoneMatch: `"v0"`})
	if result.NotModified || result.ETag != `"v1"` {
		t.Fatalf("stale tag: notModified=%v etag=%s", result.NotModified, result.ETag)
	}
}

func TestSyncScenario(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())

	if first := mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", Questions: []bank.Question{}, Version: 0}); first.Version != 1 {
		t.Fatalf("first version = %d, want 1", first.Version)
	}

	_, err := svc.Save(context.Background(), SaveRequest{OwnerID: "u1", Name: "Math", Version: 0})
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ServerVersion != 1 {
		t.Fatalf("stale save error = %v, want conflict at version 1", err)
	}

	third := mustSave(t, svc, SaveRequest{
		OwnerID:       "u1",
		Name:          "Math",
		Version:       1,
		StatePartial:  true,
		HistoryAppend: events(t, `[{"t":100},{"t":200}]`),
	})
	if third.Version != 2 {
		t.Fatalf("third version = %d, want 2", third.Version)
	}

	loaded := mustLoad(t, svc, "u1", LoadOptions{HistoryAfter: 100})
	if got := timestamps(loaded.State.History); !reflect.DeepEqual(got, []int64{200}) {
		t.Fatalf("history after 100 = %v, want [200]", got)
	}
	if !loaded.HistoryPartial || loaded.HistoryTotal != 2 || loaded.Version != 2 {
		t.Fatalf("partial=%v total=%d version=%d", loaded.HistoryPartial, loaded.HistoryTotal, loaded.Version)
	}
}

func TestSaveAuditTrail(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	svc, _ := newTestService(t, ms)

	mustSave(t, svc, SaveRequest{
		OwnerID:   "u1",
		Name:      "Math",
		Questions: questions(t, threeQuestions),
		Delta:     json.RawMessage(`{"added":3}`),
		ClientIP:  "203.0.113.9",
		UserAgent: "phone",
	})
	if _, err := svc.Save(ctx, SaveRequest{OwnerID: "u1", Name: "Math", Version: 7}); err == nil {
		t.Fatal("expected stale save to fail")
	}

	logs, err := ms.ListSyncLogs(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("ListSyncLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(logs))
	}
	if logs[0].Status != store.SyncStatusConflict || logs[0].Error != "version_conflict" {
		t.Fatalf("newest entry = %s/%s, want conflict/version_conflict", logs[0].Status, logs[0].Error)
	}
	if logs[1].Status != store.SyncStatusSuccess {
		t.Fatalf("oldest entry status = %s, want success", logs[1].Status)
	}

	var delta map[string]any
	if err := json.Unmarshal(logs[1].Delta, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	want := map[string]any{
		"added":         float64(3),
		"ip":            "203.0.113.9",
		"ua":            "phone",
		"mode":          SaveModeFull,
		"questionCount": float64(3),
	}
	for key, value := range want {
		if delta[key] != value {
			t.Fatalf("delta[%s] = %v, want %v", key, delta[key], value)
		}
	}
}

func TestSaveStorageFailure(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	svc, dispatcher := newTestService(t, &failingStore{
		MemoryStore: ms,
		err:         &pgconn.PgError{Code: "40P01", Message: "deadlock detected"},
	})

	_, err := svc.Save(ctx, SaveRequest{OwnerID: "u1", Name: "Math"})
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if got := storageErr.Detail(); got != "save question set failed (SQLSTATE 40P01)" {
		t.Fatalf("Detail() = %q", got)
	}
	if len(dispatcher.Events()) != 0 {
		t.Fatal("failed save must not notify")
	}

	logs, err := ms.ListSyncLogs(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("ListSyncLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Status != store.SyncStatusError {
		t.Fatalf("expected one error audit entry, got %+v", logs)
	}
}

func TestSaveArchivesCommittedSnapshot(t *testing.T) {
	ctx := context.Background()
	snapshots := &memoryArchive{}
	svc := New(config.Config{JWTSecret: testSecret}, store.NewMemoryStore(), Dependencies{Archive: snapshots})

	mustSave(t, svc, SaveRequest{OwnerID: "u1", Name: "Math", State: json.RawMessage(`{"bankName":"A"}`)})
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	versions, err := svc.ArchivedVersions(ctx, "u1")
	if err != nil {
		t.Fatalf("ArchivedVersions() error = %v", err)
	}
	if !reflect.DeepEqual(versions, []int64{1}) {
		t.Fatalf("versions = %v, want [1]", versions)
	}

	state, err := svc.ArchivedState(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ArchivedState() error = %v", err)
	}
	if !strings.Contains(string(state), `"bankName":"A"`) {
		t.Fatalf("archived state = %s", state)
	}

	_, err = svc.ArchivedState(ctx, "u1", 9)
	expectDomainError(t, err, http.StatusNotFound)
}

func TestArchiveDisabled(t *testing.T) {
	svc, _ := newTestService(t, store.NewMemoryStore())
	_, err := svc.ArchivedVersions(context.Background(), "u1")
	expectDomainError(t, err, http.StatusServiceUnavailable)
}
