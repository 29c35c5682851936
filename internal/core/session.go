package core

import (
	"context"
	"errors"
	"log"
	"time"

	"chatbot-service/internal/memory"
)

// InputTypeText is the only input type the session currently accepts.
const InputTypeText = "text"

const (
	defaultMemoryWindow  = 4
	defaultRetryAttempts = 10
	defaultRetryDelay    = 100 * time.Millisecond
)

// LockManager is the non-blocking mutual-exclusion primitive keyed by user.
// A false Acquire result means contended; retry policy belongs to the caller.
type LockManager interface {
	AcquireLock(ctx context.Context, userKey string) (bool, error)
	ReleaseLock(ctx context.Context, userKey string) error
}

// StateStore persists one conversation state blob per user.
type StateStore interface {
	LoadState(ctx context.Context, userKey string) (*memory.ConversationState, error)
	SaveState(ctx context.Context, userKey string, state *memory.ConversationState) error
}

// ModelReply carries one model turn's response text and its token usage.
type ModelReply struct {
	Text   string
	Tokens int
}

// ModelClient is the external language-model collaborator.
type ModelClient interface {
	Complete(ctx context.Context, history []memory.Turn, message string) (ModelReply, error)
}

// SessionService orchestrates one conversation turn per request: acquire the
// user's lock, load state, invoke the model, persist updated state, release
// the lock. The lock is held across the model call, so a user's own requests
// serialize while other users stay unaffected.
type SessionService struct {
	locks  LockManager
	states StateStore
	model  ModelClient

	window        int
	retryAttempts int
	retryDelay    time.Duration
}

func NewSessionService(locks LockManager, states StateStore, model ModelClient, window, retryAttempts int, retryDelay time.Duration) *SessionService {
	if window <= 0 {
		window = defaultMemoryWindow
	}
	if retryAttempts <= 0 {
		retryAttempts = defaultRetryAttempts
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &SessionService{
		locks:         locks,
		states:        states,
		model:         model,
		window:        window,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

type TurnResult struct {
	Response string
	Tokens   int
}

// HandleTurn runs one request/response exchange for userKey. Whatever happens
// after a successful acquire, release is attempted before returning; a crash
// between acquire and release still leaves the lock held, which requires a
// forced unlock by an operator.
func (s *SessionService) HandleTurn(ctx context.Context, userKey, messageText, inputType string) (TurnResult, error) {
	if inputType != InputTypeText {
		return TurnResult{}, newError(ErrorUnsupportedInput, "input_type_not_supported", nil)
	}

	if err := s.acquireWithRetry(ctx, userKey); err != nil {
		return TurnResult{}, err
	}

	result, err := s.runTurn(ctx, userKey, messageText)

	// The turn's context may already be cancelled (model timeout); release
	// must still reach the store.
	releaseCtx := context.WithoutCancel(ctx)
	if relErr := s.locks.ReleaseLock(releaseCtx, userKey); relErr != nil {
		log.Printf("Failed to release lock for user %s, manual unlock required: %v", userKey, relErr)
		if err == nil {
			err = newError(ErrorStoreUnavailable, "lock_release_error", relErr)
		}
	}

	if err != nil {
		return TurnResult{}, err
	}
	return result, nil
}

// acquireWithRetry makes bounded attempts to claim the user's lock, sleeping
// a fixed delay between attempts.
func (s *SessionService) acquireWithRetry(ctx context.Context, userKey string) error {
	for attempt := 1; ; attempt++ {
		ok, err := s.locks.AcquireLock(ctx, userKey)
		if err != nil {
			return newError(ErrorStoreUnavailable, "lock_acquire_error", err)
		}
		if ok {
			return nil
		}
		if attempt >= s.retryAttempts {
			return newError(ErrorLockContended, "lock_retry_budget_exhausted", nil)
		}
		select {
		case <-ctx.Done():
			return newError(ErrorLockContended, "context_cancelled", ctx.Err())
		case <-time.After(s.retryDelay):
		}
	}
}

// runTurn executes steps 2-5 of the protocol while the lock is held. If the
// model call or the save fails, the prior stored state is left intact.
func (s *SessionService) runTurn(ctx context.Context, userKey, messageText string) (TurnResult, error) {
	state, err := s.states.LoadState(ctx, userKey)
	if err != nil {
		if errors.Is(err, memory.ErrStateCorrupt) {
			return TurnResult{}, newError(ErrorStateCorrupt, "state_decode_error", err)
		}
		return TurnResult{}, newError(ErrorStoreUnavailable, "state_load_error", err)
	}

	reply, err := s.model.Complete(ctx, state.Turns, messageText)
	if err != nil {
		return TurnResult{}, newError(ErrorModelInvocation, "model_error", err)
	}

	state.AppendExchange(messageText, reply.Text)
	state.TrimToWindow(s.window)
	state.RecordUsage(reply.Tokens)

	if err := s.states.SaveState(ctx, userKey, state); err != nil {
		return TurnResult{}, newError(ErrorStoreUnavailable, "state_save_error", err)
	}

	log.Printf("Completed turn for user %s: %d tokens used, %d exchanges in window", userKey, reply.Tokens, state.Exchanges())
	return TurnResult{Response: reply.Text, Tokens: reply.Tokens}, nil
}
