package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbot-service/internal/memory"
)

// fakeLocks implements LockManager with real test-and-set semantics so
// concurrent sessions genuinely contend.
type fakeLocks struct {
	mu         sync.Mutex
	held       map[string]bool
	denials    int // deny this many acquires before normal behavior
	acquireErr error
	releaseErr error

	acquires int
	denied   int
	releases int
}

func (f *fakeLocks) AcquireLock(_ context.Context, userKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.denials > 0 {
		f.denials--
		f.denied++
		return false, nil
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[userKey] {
		f.denied++
		return false, nil
	}
	f.held[userKey] = true
	return true, nil
}

func (f *fakeLocks) ReleaseLock(_ context.Context, userKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.releaseErr != nil {
		return f.releaseErr
	}
	delete(f.held, userKey)
	return nil
}

func (f *fakeLocks) isHeld(userKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[userKey]
}

// fakeStates stores serialized blobs so every load yields an independent
// copy, matching the durable store's semantics.
type fakeStates struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	loadErr error
	saveErr error

	saves int
}

func (f *fakeStates) LoadState(_ context.Context, userKey string) (*memory.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	blob, ok := f.blobs[userKey]
	if !ok {
		return memory.NewState(), nil
	}
	return memory.Unmarshal(blob)
}

func (f *fakeStates) SaveState(_ context.Context, userKey string, state *memory.ConversationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	blob, err := memory.Marshal(state)
	if err != nil {
		return err
	}
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[userKey] = blob
	f.saves++
	return nil
}

func (f *fakeStates) stored(t *testing.T, userKey string) *memory.ConversationState {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.blobs[userKey]
	if !ok {
		return memory.NewState()
	}
	state, err := memory.Unmarshal(blob)
	require.NoError(t, err)
	return state
}

type fakeModel struct {
	mu             sync.Mutex
	reply          string
	tokens         int
	err            error
	firstCallDelay time.Duration

	calls int
}

func (f *fakeModel) Complete(_ context.Context, _ []memory.Turn, message string) (ModelReply, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if first && f.firstCallDelay > 0 {
		time.Sleep(f.firstCallDelay)
	}
	if f.err != nil {
		return ModelReply{}, f.err
	}
	text := f.reply
	if text == "" {
		text = fmt.Sprintf("reply to %q", message)
	}
	return ModelReply{Text: text, Tokens: f.tokens}, nil
}

func newTestSession(locks LockManager, states StateStore, model ModelClient) *SessionService {
	return NewSessionService(locks, states, model, 4, 5, 2*time.Millisecond)
}

func expectTurnError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var coreErr *Error
	require.ErrorAs(t, err, &coreErr)
	require.Equal(t, code, coreErr.Code)
	require.Equal(t, reason, coreErr.Reason)
}

func TestHandleTurn_FreshUser(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{}
	model := &fakeModel{reply: "Hi!", tokens: 7}
	svc := newTestSession(locks, states, model)

	result, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	require.NoError(t, err)
	require.Equal(t, "Hi!", result.Response)
	require.Equal(t, 7, result.Tokens)

	state := states.stored(t, "alice")
	require.Equal(t, 1, state.Exchanges())
	require.Equal(t, "Hello", state.Turns[0].Text)
	require.Equal(t, "Hi!", state.Turns[1].Text)
	require.Equal(t, 7, state.TokensUsed)

	require.False(t, locks.isHeld("alice"))
	require.Equal(t, 1, locks.releases)
}

func TestHandleTurn_UnsupportedInputType(t *testing.T) {
	locks := &fakeLocks{}
	svc := newTestSession(locks, &fakeStates{}, &fakeModel{})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", "audio")
	expectTurnError(t, err, ErrorUnsupportedInput, "input_type_not_supported")
	require.Zero(t, locks.acquires)
}

func TestHandleTurn_RetriesContentionThenSucceeds(t *testing.T) {
	locks := &fakeLocks{denials: 2}
	states := &fakeStates{}
	svc := newTestSession(locks, states, &fakeModel{reply: "ok"})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	require.NoError(t, err)
	require.Equal(t, 3, locks.acquires)
	require.Equal(t, 1, states.saves)
}

func TestHandleTurn_RetryBudgetExhausted(t *testing.T) {
	locks := &fakeLocks{denials: 100}
	states := &fakeStates{}
	svc := newTestSession(locks, states, &fakeModel{reply: "ok"})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	expectTurnError(t, err, ErrorLockContended, "lock_retry_budget_exhausted")
	require.Equal(t, 5, locks.acquires)
	require.Zero(t, states.saves)
	// The lock was never held, so nothing to release.
	require.Zero(t, locks.releases)
}

func TestHandleTurn_AcquireStoreError(t *testing.T) {
	locks := &fakeLocks{acquireErr: errors.New("store down")}
	svc := newTestSession(locks, &fakeStates{}, &fakeModel{})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	expectTurnError(t, err, ErrorStoreUnavailable, "lock_acquire_error")
}

func TestHandleTurn_ModelFailure_ReleasesLockAndKeepsState(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{}
	prior := memory.NewState()
	prior.AppendExchange("Hello", "Hi!")
	require.NoError(t, states.SaveState(context.Background(), "alice", prior))
	savesBefore := states.saves

	svc := newTestSession(locks, states, &fakeModel{err: errors.New("provider exploded")})

	_, err := svc.HandleTurn(context.Background(), "alice", "Are you there?", InputTypeText)
	expectTurnError(t, err, ErrorModelInvocation, "model_error")

	require.False(t, locks.isHeld("alice"))
	require.Equal(t, 1, locks.releases)
	require.Equal(t, savesBefore, states.saves)

	// A later load still observes the prior exchange only.
	state := states.stored(t, "alice")
	require.Equal(t, 1, state.Exchanges())
	require.Equal(t, "Hello", state.Turns[0].Text)
}

func TestHandleTurn_CorruptState_ReleasesLock(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{blobs: map[string][]byte{"alice": {0xff, 0x13, 0x37}}}
	model := &fakeModel{reply: "ok"}
	svc := newTestSession(locks, states, model)

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	expectTurnError(t, err, ErrorStateCorrupt, "state_decode_error")

	require.False(t, locks.isHeld("alice"))
	require.Equal(t, 1, locks.releases)
	require.Zero(t, model.calls)
	require.Zero(t, states.saves)
}

func TestHandleTurn_SaveFailure_ReleasesLock(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{saveErr: errors.New("disk full")}
	svc := newTestSession(locks, states, &fakeModel{reply: "ok"})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	expectTurnError(t, err, ErrorStoreUnavailable, "state_save_error")
	require.False(t, locks.isHeld("alice"))
	require.Equal(t, 1, locks.releases)
}

func TestHandleTurn_ReleaseFailureSurfacesAfterSuccess(t *testing.T) {
	locks := &fakeLocks{releaseErr: errors.New("store down")}
	states := &fakeStates{}
	svc := newTestSession(locks, states, &fakeModel{reply: "ok"})

	_, err := svc.HandleTurn(context.Background(), "alice", "Hello", InputTypeText)
	expectTurnError(t, err, ErrorStoreUnavailable, "lock_release_error")
	// The state save itself did succeed before release failed.
	require.Equal(t, 1, states.saves)
}

func TestHandleTurn_WindowBound(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{}
	svc := NewSessionService(locks, states, &fakeModel{reply: "ok", tokens: 5}, 2, 5, time.Millisecond)

	for i := 1; i <= 3; i++ {
		_, err := svc.HandleTurn(context.Background(), "alice", fmt.Sprintf("message %d", i), InputTypeText)
		require.NoError(t, err)
	}

	state := states.stored(t, "alice")
	require.Equal(t, 2, state.Exchanges())
	require.Equal(t, "message 2", state.Turns[0].Text)
	require.Equal(t, "message 3", state.Turns[2].Text)
	require.Equal(t, 15, state.TokensUsed)
}

func TestHandleTurn_ConcurrentSameUser(t *testing.T) {
	locks := &fakeLocks{}
	states := &fakeStates{}
	// The first caller holds the lock through a slow model call so the
	// second caller must observe contention before winning.
	model := &fakeModel{firstCallDelay: 50 * time.Millisecond}
	svc := NewSessionService(locks, states, model, 4, 100, 2*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.HandleTurn(context.Background(), "bob", "first message", InputTypeText)
	}()
	time.Sleep(10 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = svc.HandleTurn(context.Background(), "bob", "second message", InputTypeText)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Positive(t, locks.denied, "second caller should have observed contention")

	state := states.stored(t, "bob")
	require.Equal(t, 2, state.Exchanges())
	// The loser acquired after the winner's save, so both messages survive
	// in real-time order.
	require.Equal(t, "first message", state.Turns[0].Text)
	require.Equal(t, "second message", state.Turns[2].Text)
	require.False(t, locks.isHeld("bob"))
}
