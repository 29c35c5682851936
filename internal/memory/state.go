package memory

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Role values stored on each turn. They match the role strings the model
// provider expects, so history can be replayed without translation.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ErrStateCorrupt marks a stored conversation blob that could not be decoded.
// Callers must surface it rather than resetting the user's history.
var ErrStateCorrupt = errors.New("conversation state corrupt")

type Turn struct {
	Role string `cbor:"role"`
	Text string `cbor:"text"`
}

// ConversationState is the accumulated dialogue history for one user. Turns
// are appended in exchange pairs (user message followed by model reply), so
// the slice length is always even. While a turn is in flight, the session
// holding the user's lock owns the only mutable copy.
type ConversationState struct {
	Turns      []Turn `cbor:"turns"`
	TokensUsed int    `cbor:"tokens_used"`
}

func NewState() *ConversationState {
	return &ConversationState{}
}

// AppendExchange records one completed request/response exchange.
func (s *ConversationState) AppendExchange(userText, modelText string) {
	s.Turns = append(s.Turns,
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleModel, Text: modelText},
	)
}

// TrimToWindow drops the oldest exchanges until at most k remain. Exchanges
// are dropped whole; a user message is never separated from its reply.
// k <= 0 disables trimming.
func (s *ConversationState) TrimToWindow(k int) {
	if k <= 0 {
		return
	}
	limit := 2 * k
	if len(s.Turns) > limit {
		s.Turns = s.Turns[len(s.Turns)-limit:]
	}
}

// Exchanges returns the number of completed exchanges in the window.
func (s *ConversationState) Exchanges() int {
	return len(s.Turns) / 2
}

// RecordUsage adds a turn's token count to the running total.
func (s *ConversationState) RecordUsage(tokens int) {
	s.TokensUsed += tokens
}

// Marshal serializes the state to its opaque binary form for storage.
func Marshal(s *ConversationState) ([]byte, error) {
	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored blob. A blob that does not decode is corrupt,
// not empty: the error wraps ErrStateCorrupt.
func Unmarshal(data []byte) (*ConversationState, error) {
	var s ConversationState
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return &s, nil
}
