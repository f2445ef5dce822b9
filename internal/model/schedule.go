// Package model holds the persisted schedule record, broadcast targets and
// the shared error taxonomy.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusWaitingAuth Status = "waitingAuth"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var allStatuses = []Status{StatusPending, StatusRunning, StatusWaitingAuth, StatusSent, StatusFailed, StatusCancelled}

// ParseStatus accepts the wire form of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !slices.Contains(allStatuses, st) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed moves. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusSent, StatusFailed, StatusWaitingAuth, StatusPending},
	StatusWaitingAuth: {StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// running -> pending only happens when a crashed run is recovered at startup.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

type FailedTarget struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// Schedule is one persisted broadcast request.
type Schedule struct {
	ID               string         `json:"id"`
	Message          string         `json:"message"`
	CreatedAt        time.Time      `json:"createdAt"`
	RunAt            time.Time      `json:"runAt"`
	Status           Status         `json:"status"`
	SentTargets      []string       `json:"sentTargets"`
	FailedTargets    []FailedTarget `json:"failedTargets"`
	Error            string         `json:"error,omitempty"`
	WaitingAuthSince *time.Time     `json:"waitingAuthSince,omitempty"`
}

// Transition moves the schedule to next or reports ErrInvalidState.
func (s *Schedule) Transition(next Status) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("%w: schedule %s is %s, cannot become %s", ErrInvalidState, s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}

// Clone returns a deep copy so callers never share slices with the store.
func (s Schedule) Clone() Schedule {
	cp := s
	cp.SentTargets = slices.Clone(s.SentTargets)
	cp.FailedTargets = slices.Clone(s.FailedTargets)
	if s.WaitingAuthSince != nil {
		t := *s.WaitingAuthSince
		cp.WaitingAuthSince = &t
	}
	return cp
}
