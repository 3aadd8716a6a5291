package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusImplemented Status = "implemented"
	StatusVerified    Status = "verified" // terminal
	StatusFailed      Status = "failed"
)

// ErrInvalidStatus is returned for status values outside the closed set.
var ErrInvalidStatus = errors.New("invalid feature status")

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusImplemented, StatusVerified, StatusFailed}
}

// ParseStatus converts user input to a Status. Hyphens are accepted in
// place of underscores ("in-progress").
func ParseStatus(s string) (Status, error) {
	norm := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, st := range AllStatuses() {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: pending, in_progress, implemented, verified, failed)", ErrInvalidStatus, s)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

var validTransitions = map[Status][]Status{
	StatusPending:     {StatusInProgress},
	StatusInProgress:  {StatusImplemented},
	StatusImplemented: {StatusVerified, StatusFailed},
	StatusFailed:      {StatusInProgress, StatusPending}, // retry or full reset
}

// CanTransition reports whether from → to is in the lifecycle table.
// Re-asserting the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a status change outside the lifecycle table.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("feature %s: unexpected transition %s → %s", e.ID, e.From, e.To)
}

// CheckTransition returns a *TransitionError when from → to is not a
// lifecycle move.
func CheckTransition(id string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{ID: id, From: from, To: to}
}
