package server

import (
	"errors"
	"reflect"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to GrantState
		want     bool
	}{
		{StateRequested, StateAwaitingConsent, true},
		{StateRequested, StateAuthorized, true},
		{StateRequested, StateCodeIssued, false},
		{StateAwaitingConsent, StateAuthorized, true},
		{StateAwaitingConsent, StateCodeIssued, false},
		{StateAuthorized, StateCodeIssued, true},
		{StateAuthorized, StateTokenIssued, true},
		{StateCodeIssued, StateExchanged, true},
		{StateCodeIssued, StateTokenIssued, false},
		{StateExchanged, StateTokenIssued, true},
		{StateExchanged, StateRejected, true},
		{StateTokenIssued, StateRejected, false},
		{StateTokenIssued, StateRequested, false},
		{StateRejected, StateAuthorized, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrant_Lifecycle(t *testing.T) {
	g := NewGrant("g-1", "web-app", "authorization_code")
	for _, to := range []GrantState{StateAwaitingConsent, StateAuthorized, StateCodeIssued} {
		if err := g.Transition(to); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	if err := g.Transition(StateTokenIssued); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("skipping Exchanged: error = %v, want ErrIllegalTransition", err)
	}
	if g.State() != StateCodeIssued {
		t.Errorf("state changed by an illegal transition: %s", g.State())
	}

	want := []GrantState{StateRequested, StateAwaitingConsent, StateAuthorized, StateCodeIssued}
	if got := g.History(); !reflect.DeepEqual(got, want) {
		t.Errorf("History() = %v, want %v", got, want)
	}
}

func TestGrant_Reject(t *testing.T) {
	g := ResumeGrant("g-1", "web-app", "authorization_code", StateCodeIssued)
	cause := ErrInvalidGrant("code reused")
	if err := g.Reject(cause); err != cause {
		t.Errorf("Reject() returned %v", err)
	}
	if g.State() != StateRejected || g.Reason() != ErrorCodeInvalidGrant {
		t.Errorf("state = %s reason = %q", g.State(), g.Reason())
	}

	// terminal grants stay as they are
	g.Reject(ErrServerError())
	if g.Reason() != ErrorCodeInvalidGrant {
		t.Errorf("reason overwritten: %q", g.Reason())
	}

	done := ResumeGrant("g-2", "service", "client_credentials", StateTokenIssued)
	done.Reject(errors.New("late failure"))
	if done.State() != StateTokenIssued {
		t.Errorf("terminal grant rejected: %s", done.State())
	}
}
