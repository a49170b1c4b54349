package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/daybook/internal/cache"
	"github.com/kalambet/daybook/internal/gateway"
	"github.com/kalambet/daybook/internal/history"
	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/oracle"
	"github.com/kalambet/daybook/internal/session"
	"github.com/kalambet/daybook/internal/storage"
)

type mockOracle struct {
	calls   atomic.Int32
	lastMsg string
	lastCtx []oracle.Message
	fn      func(ctx context.Context, message string) (oracle.Response, error)
}

func (m *mockOracle) Converse(ctx context.Context, message string, hist []oracle.Message, principal string) (oracle.Response, error) {
	m.calls.Add(1)
	m.lastMsg = message
	m.lastCtx = hist
	return m.fn(ctx, message)
}

type mockDiaries struct {
	mu    sync.Mutex
	calls []model.Diary
	owner []string
	err   error
}

func (m *mockDiaries) CreateDiary(ctx context.Context, principal string, d model.Diary) (model.Diary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, d)
	m.owner = append(m.owner, principal)
	if m.err != nil {
		return model.Diary{}, m.err
	}
	d.ID = "diary-1"
	return d, nil
}

type mockCache struct {
	mu          sync.Mutex
	payload     []model.Diary
	invalidated []cache.Key
}

func (m *mockCache) Get(key cache.Key) cache.Snapshot[model.Diary] {
	return cache.Snapshot[model.Diary]{Key: key, Payload: m.payload, Loaded: m.payload != nil}
}

func (m *mockCache) Invalidate(key cache.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, key)
}

var fixedNow = time.Date(2024, 5, 1, 21, 30, 0, 0, time.UTC)

type fixture struct {
	orch    *Orchestrator
	oracle  *mockOracle
	diaries *mockDiaries
	cache   *mockCache
	history *history.Store
	session *session.Session
	states  []State
}

var principal42 = model.NewPrincipal("42")

func newFixture(t *testing.T, p model.Principal, reply func(ctx context.Context, message string) (oracle.Response, error)) *fixture {
	t.Helper()
	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	token := ""
	if !p.IsGuest() {
		token = "tok-" + p.ID
	}
	f := &fixture{
		oracle:  &mockOracle{fn: reply},
		diaries: &mockDiaries{},
		cache:   &mockCache{},
		history: history.NewStore(kv, 0),
		session: session.New(p, token),
	}
	f.history.Switch(model.Guest, f.session.Principal())

	var mu sync.Mutex
	f.orch = New(Deps{
		Oracle:  f.oracle,
		Diaries: f.diaries,
		History: f.history,
		Cache:   f.cache,
		Session: f.session,
		Now:     func() time.Time { return fixedNow },
		OnTransition: func(_, to State) {
			mu.Lock()
			f.states = append(f.states, to)
			mu.Unlock()
		},
	})
	return f
}

func replyWith(resp oracle.Response) func(context.Context, string) (oracle.Response, error) {
	return func(context.Context, string) (oracle.Response, error) { return resp, nil }
}

func diaryClassification(data oracle.DiaryData, confidence float64) *oracle.Classification {
	return &oracle.Classification{
		Category:   oracle.CategoryDiary,
		Label:      "diary",
		Confidence: confidence,
		Diary:      &data,
	}
}

func TestSubmit_EndToEndDiary(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "좋은 하루였네요!",
		Status:         "success",
		Classification: diaryClassification(oracle.DiaryData{Content: "오늘 기분이 좋았다", Mood: "좋음"}, 0.9),
	}))

	res, err := f.orch.Submit(context.Background(), "오늘 기분이 좋았다", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(f.diaries.calls) != 1 {
		t.Fatalf("CreateDiary calls = %d, want 1", len(f.diaries.calls))
	}
	got := f.diaries.calls[0]
	if f.diaries.owner[0] != "42" || got.Content != "오늘 기분이 좋았다" || got.Emotion != "좋음" {
		t.Errorf("created diary = %+v for %q", got, f.diaries.owner[0])
	}
	if got.Date.String() != "2024-05-01" {
		t.Errorf("diary date = %s, want today", got.Date)
	}

	hist := f.history.Load(principal42)
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	if want := "좋은 하루였네요!" + DiarySavedSuffix; hist[0].AIResponse != want {
		t.Errorf("aiResponse = %q, want %q", hist[0].AIResponse, want)
	}
	if hist[0].UserInput != "오늘 기분이 좋았다" || hist[0].Weekday != "Wednesday" {
		t.Errorf("interaction = %+v", hist[0])
	}
	if len(hist[0].Categories) != 1 || hist[0].Categories[0] != "diary" {
		t.Errorf("categories = %v", hist[0].Categories)
	}

	if !res.Recorded || res.DiaryCreated == nil {
		t.Errorf("result = %+v", res)
	}
	want := map[cache.Key]bool{
		{Principal: "42", Resource: cache.ResourceDiaries}:                  true,
		{Principal: model.AllPrincipals, Resource: cache.ResourceDiaries}: true,
	}
	if len(f.cache.invalidated) != len(want) {
		t.Fatalf("invalidated = %v", f.cache.invalidated)
	}
	for _, k := range f.cache.invalidated {
		if !want[k] {
			t.Errorf("unexpected invalidation %v", k)
		}
	}
}

func TestSubmit_DiaryAuthenticatedCreatesOnce(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "좋네요",
		Classification: diaryClassification(oracle.DiaryData{Content: "둘레길을 걸었다"}, 0.8),
	}))

	f.orch.Submit(context.Background(), "오늘 산책", "")

	if len(f.diaries.calls) != 1 {
		t.Fatalf("CreateDiary calls = %d, want 1", len(f.diaries.calls))
	}
	if f.diaries.calls[0].Content != "둘레길을 걸었다" {
		t.Errorf("content = %q", f.diaries.calls[0].Content)
	}
}

func TestSubmit_DiaryGuestSkipsPersistence(t *testing.T) {
	f := newFixture(t, model.Guest, replyWith(oracle.Response{
		ResponseText:   "좋네요",
		Classification: diaryClassification(oracle.DiaryData{Content: "둘레길을 걸었다"}, 0.8),
	}))

	res, err := f.orch.Submit(context.Background(), "오늘 산책", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(f.diaries.calls) != 0 {
		t.Errorf("CreateDiary called %d times for guest", len(f.diaries.calls))
	}
	if res.Interaction.AIResponse != "좋네요" {
		t.Errorf("aiResponse = %q, want unchanged reply", res.Interaction.AIResponse)
	}
	if len(f.cache.invalidated) != 0 {
		t.Errorf("invalidated = %v, want none", f.cache.invalidated)
	}
	if got := f.history.Load(model.Guest); len(got) != 1 {
		t.Errorf("guest history len = %d, want 1", len(got))
	}
}

func TestSubmit_DiaryFallsBackToRawInput(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "noted",
		Classification: diaryClassification(oracle.DiaryData{}, 0.5),
	}))

	f.orch.Submit(context.Background(), "  비가 왔다  ", "")

	if len(f.diaries.calls) != 1 {
		t.Fatalf("CreateDiary calls = %d", len(f.diaries.calls))
	}
	d := f.diaries.calls[0]
	if d.Content != "비가 왔다" || d.Title != "비가 왔다" || d.Date.String() != "2024-05-01" {
		t.Errorf("diary = %+v", d)
	}
}

func TestSubmit_DiaryDateFromClassification(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "noted",
		Classification: diaryClassification(oracle.DiaryData{Content: "x", Date: "2024-04-28T10:00:00+09:00"}, 0.5),
	}))

	f.orch.Submit(context.Background(), "x", "")

	if got := f.diaries.calls[0].Date.String(); got != "2024-04-28" {
		t.Errorf("date = %s, want 2024-04-28", got)
	}
}

func TestSubmit_PersistFailureKeepsReply(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "좋은 하루였네요!",
		Classification: diaryClassification(oracle.DiaryData{Content: "x"}, 0.9),
	}))
	f.diaries.err = &gateway.MalformedResponseError{Op: "create diary", Code: 500}

	res, err := f.orch.Submit(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Interaction.AIResponse != "좋은 하루였네요!" {
		t.Errorf("aiResponse = %q, want untouched reply", res.Interaction.AIResponse)
	}
	if res.DiaryCreated != nil || len(f.cache.invalidated) != 0 {
		t.Errorf("diary created = %v, invalidated = %v", res.DiaryCreated, f.cache.invalidated)
	}
}

func TestSubmit_BlankIsNoop(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{ResponseText: "x"}))

	for _, in := range []string{"", "   ", "\n\t"} {
		res, err := f.orch.Submit(context.Background(), in, "  ")
		if err != nil {
			t.Fatalf("Submit(%q): %v", in, err)
		}
		if res.Recorded || res.Interaction.ID != "" {
			t.Errorf("Submit(%q) = %+v, want zero result", in, res)
		}
	}
	if n := f.oracle.calls.Load(); n != 0 {
		t.Errorf("oracle calls = %d, want 0", n)
	}
	if got := f.history.Load(principal42); len(got) != 0 {
		t.Errorf("history = %v, want empty", got)
	}
	if len(f.states) != 0 {
		t.Errorf("transitions = %v, want none", f.states)
	}
}

func TestSubmit_ExternalTextUsedWhenInputBlank(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{ResponseText: "heard you"}))

	res, _ := f.orch.Submit(context.Background(), " ", "transcribed words")
	if f.oracle.lastMsg != "transcribed words" || res.Interaction.UserInput != "transcribed words" {
		t.Errorf("message = %q, interaction = %+v", f.oracle.lastMsg, res.Interaction)
	}
}

func TestSubmit_OracleFailureRecordsSentinel(t *testing.T) {
	f := newFixture(t, principal42, func(context.Context, string) (oracle.Response, error) {
		return oracle.Response{}, &gateway.TransientNetworkError{Op: "oracle chat", Err: errors.New("connection refused")}
	})

	res, err := f.orch.Submit(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Submit returned %v, want nil", err)
	}
	hist := f.history.Load(principal42)
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	if hist[0].AIResponse == "" || !strings.Contains(hist[0].AIResponse, "could not be reached") {
		t.Errorf("aiResponse = %q", hist[0].AIResponse)
	}
	if !res.Recorded {
		t.Error("Recorded = false")
	}

	want := []State{StateSubmitting, StateContextBuilt, StateAwaitingOracle, StateRecording, StateIdle}
	if !equalStates(f.states, want) {
		t.Errorf("transitions = %v, want %v", f.states, want)
	}
}

func TestSubmit_OracleTimeout(t *testing.T) {
	f := newFixture(t, principal42, func(ctx context.Context, _ string) (oracle.Response, error) {
		<-ctx.Done()
		return oracle.Response{}, ctx.Err()
	})
	f.orch.deps.OracleTimeout = 20 * time.Millisecond

	res, err := f.orch.Submit(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.Contains(res.Interaction.AIResponse, "too long") {
		t.Errorf("aiResponse = %q", res.Interaction.AIResponse)
	}
}

func TestSubmit_EmptyReplyUsesFallback(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{ResponseText: "  "}))

	res, _ := f.orch.Submit(context.Background(), "hello", "")
	if res.Interaction.AIResponse != FallbackResponse {
		t.Errorf("aiResponse = %q, want fallback", res.Interaction.AIResponse)
	}
}

func TestSubmit_NonDiaryHasNoSideEffect(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "hi",
		Classification: &oracle.Classification{Category: oracle.CategoryUnknown, Label: "finance", Confidence: 0.99},
	}))

	res, _ := f.orch.Submit(context.Background(), "spent 3000 won", "")
	if len(f.diaries.calls) != 0 || len(f.cache.invalidated) != 0 {
		t.Errorf("side effects: diaries=%d invalidated=%v", len(f.diaries.calls), f.cache.invalidated)
	}
	if res.Interaction.AIResponse != "hi" {
		t.Errorf("aiResponse = %q", res.Interaction.AIResponse)
	}

	want := []State{StateSubmitting, StateContextBuilt, StateAwaitingOracle, StateClassified, StateRecording, StateIdle}
	if !equalStates(f.states, want) {
		t.Errorf("transitions = %v, want %v", f.states, want)
	}
}

func TestSubmit_DiaryTransitions(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{
		ResponseText:   "ok",
		Classification: diaryClassification(oracle.DiaryData{Content: "x"}, 0.9),
	}))

	f.orch.Submit(context.Background(), "x", "")

	want := []State{StateSubmitting, StateContextBuilt, StateAwaitingOracle, StateClassified, StatePersistingSideEffect, StateRecording, StateIdle}
	if !equalStates(f.states, want) {
		t.Errorf("transitions = %v, want %v", f.states, want)
	}
	if s := f.orch.State(); s != StateIdle {
		t.Errorf("final state = %v", s)
	}
}

func TestSubmit_OverlappingSubmissionRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, principal42, func(context.Context, string) (oracle.Response, error) {
		close(entered)
		<-release
		return oracle.Response{ResponseText: "first"}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(context.Background(), "first", "")
		done <- err
	}()
	<-entered

	if _, err := f.orch.Submit(context.Background(), "second", ""); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping Submit err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	if n := f.oracle.calls.Load(); n != 1 {
		t.Errorf("oracle calls = %d, want 1", n)
	}
	if got := f.history.Load(principal42); len(got) != 1 {
		t.Errorf("history len = %d, want 1", len(got))
	}
}

func TestSubmit_PrincipalSwitchDropsAppend(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, principal42, func(context.Context, string) (oracle.Response, error) {
		close(entered)
		<-release
		return oracle.Response{ResponseText: "late reply"}, nil
	})
	f.session.OnChange(func(old, new model.Principal) { f.history.Switch(old, new) })

	done := make(chan Result, 1)
	go func() {
		res, _ := f.orch.Submit(context.Background(), "hello", "")
		done <- res
	}()
	<-entered
	f.session.Logout()
	close(release)

	res := <-done
	if res.Recorded {
		t.Error("interaction recorded after principal switch")
	}
	if got := f.history.Load(principal42); len(got) != 0 {
		t.Errorf("principal 42 history = %v", got)
	}
	if got := f.history.Load(model.Guest); len(got) != 0 {
		t.Errorf("guest history = %v", got)
	}
}

func TestSubmit_ContextNeverCarriesPreviousPrincipalDuringSwitch(t *testing.T) {
	alice := model.NewPrincipal("alice")
	bob := model.NewPrincipal("bob")
	f := newFixture(t, alice, replyWith(oracle.Response{ResponseText: "ok"}))
	f.history.Append(alice, model.Interaction{ID: "a1", UserInput: "alice secret", AIResponse: "noted"})

	// The first listener holds the switch open so history still shows
	// alice's window while the session already reports bob.
	switching := make(chan struct{})
	release := make(chan struct{})
	f.session.OnChange(func(old, next model.Principal) {
		close(switching)
		<-release
	})
	f.session.OnChange(func(old, next model.Principal) { f.history.Switch(old, next) })

	loggedIn := make(chan struct{})
	go func() {
		f.session.Login(bob, "tok-bob")
		close(loggedIn)
	}()
	<-switching

	if _, err := f.orch.Submit(context.Background(), "hello", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(release)
	<-loggedIn

	for _, m := range f.oracle.lastCtx {
		if strings.Contains(m.Content, "alice secret") {
			t.Fatalf("bob's oracle context carried alice's history: %q", m.Content)
		}
	}
	if got := f.history.Load(bob); len(got) != 1 {
		t.Errorf("bob history len = %d, want 1", len(got))
	}
	if got := f.history.Load(alice); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("alice history = %v, want untouched", got)
	}
}

func TestSubmit_ContextCarriesRecentHistoryAndDiaries(t *testing.T) {
	f := newFixture(t, principal42, replyWith(oracle.Response{ResponseText: "ok"}))
	d, _ := model.ParseDate("2024-04-30")
	f.cache.payload = []model.Diary{{ID: "d1", Date: d, Content: "어제 일기"}}

	for _, msg := range []string{"one", "two", "three", "four"} {
		if _, err := f.orch.Submit(context.Background(), msg, ""); err != nil {
			t.Fatalf("Submit(%q): %v", msg, err)
		}
	}

	ctxMsgs := f.oracle.lastCtx
	if len(ctxMsgs) != 7 {
		t.Fatalf("context messages = %d, want 7 (system + 3 pairs)", len(ctxMsgs))
	}
	if ctxMsgs[0].Role != "system" || !strings.Contains(ctxMsgs[0].Content, "어제 일기") {
		t.Errorf("system message = %+v", ctxMsgs[0])
	}
	if ctxMsgs[1].Content != "one" || ctxMsgs[5].Content != "three" {
		t.Errorf("history window = %+v", ctxMsgs)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
