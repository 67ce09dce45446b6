package server

import (
	"errors"
	"fmt"
)

// GrantState is a state of the grant state machine.
type GrantState string

const (
	StateRequested       GrantState = "requested"
	StateAwaitingConsent GrantState = "awaiting_consent"
	StateAuthorized      GrantState = "authorized"
	StateCodeIssued      GrantState = "code_issued"
	StateExchanged       GrantState = "exchanged"
	StateTokenIssued     GrantState = "token_issued"
	StateRejected        GrantState = "rejected"
)

// transitions lists the legal successors of each state. Rejected is
// reachable from every non-terminal state and is not listed.
//
// Refresh and client credentials grants go from Requested straight to
// Authorized; Authorized goes to TokenIssued for them.
var transitions = map[GrantState][]GrantState{
	StateRequested:       {StateAwaitingConsent, StateAuthorized},
	StateAwaitingConsent: {StateAuthorized},
	StateAuthorized:      {StateCodeIssued, StateTokenIssued},
	StateCodeIssued:      {StateExchanged},
	StateExchanged:       {StateTokenIssued},
}

// ErrIllegalTransition is returned for a transition the table does not allow.
var ErrIllegalTransition = errors.New("illegal grant state transition")

// Terminal reports whether no transition leaves s.
func (s GrantState) Terminal() bool {
	return s == StateTokenIssued || s == StateRejected
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to GrantState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRejected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Grant tracks one grant through the state machine within a request.
// Between requests the grant lives in the store as a pending authorization,
// a code or a refresh token, and is resumed from there.
type Grant struct {
	ID        string
	ClientID  string
	GrantType string

	state   GrantState
	reason  string
	history []GrantState
}

// NewGrant starts a grant in the Requested state.
func NewGrant(id, clientID, grantType string) *Grant {
	return ResumeGrant(id, clientID, grantType, StateRequested)
}

// ResumeGrant continues a grant persisted in state.
func ResumeGrant(id, clientID, grantType string, state GrantState) *Grant {
	return &Grant{
		ID:        id,
		ClientID:  clientID,
		GrantType: grantType,
		state:     state,
		history:   []GrantState{state},
	}
}

// State returns the current state.
func (g *Grant) State() GrantState {
	return g.state
}

// Reason returns the error code the grant was rejected with.
func (g *Grant) Reason() string {
	return g.reason
}

// History returns the states the grant went through in this request.
func (g *Grant) History() []GrantState {
	return append([]GrantState(nil), g.history...)
}

// Transition moves the grant to state to.
func (g *Grant) Transition(to GrantState) error {
	if !CanTransition(g.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, g.state, to)
	}
	g.state = to
	g.history = append(g.history, to)
	return nil
}

// Reject moves the grant to Rejected, recording the error code of err, and
// returns err. Rejecting a terminal grant only returns err.
func (g *Grant) Reject(err error) error {
	if g.state.Terminal() {
		return err
	}
	g.reason = AsError(err).Code
	g.state = StateRejected
	g.history = append(g.history, StateRejected)
	return err
}
