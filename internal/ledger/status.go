// Package ledger is the state machine for creation requests: submission,
// delivery, attestation, minting, and the expiry/refund failure paths.
package ledger

import (
	"errors"
	"fmt"
)

// Status is the closed set of request states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusAttested  Status = "attested"
	StatusMinted    Status = "minted"
	StatusExpired   Status = "expired"
	StatusRefunded  Status = "refunded"
)

// transitions is the single source of truth for legal state edges. No edge
// skips forward, none moves backward.
var transitions = map[Status][]Status{
	StatusPending:   {StatusDelivered, StatusExpired},
	StatusDelivered: {StatusAttested, StatusExpired, StatusRefunded},
	StatusAttested:  {StatusMinted, StatusExpired, StatusRefunded},
	StatusMinted:    {},
	StatusExpired:   {},
	StatusRefunded:  {},
}

// AllStatuses returns every member of the closed set in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusDelivered, StatusAttested,
		StatusMinted, StatusExpired, StatusRefunded,
	}
}

// Valid reports whether s is a member of the closed set.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing edges.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is the sentinel wrapped by every TransitionError.
var ErrIllegalTransition = errors.New("ledger: illegal state transition")

// TransitionError identifies a rejected transition attempt by its current and
// attempted state. Illegal transitions are never silent no-ops.
type TransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: request %s: illegal transition %s -> %s", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
