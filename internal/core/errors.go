package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited       = errors.New("rate limited")
	ErrSelfTarget        = errors.New("cannot boost yourself")
	ErrAmbiguousTarget   = errors.New("no resolvable target")
	ErrInvalidPattern    = errors.New("invalid trigger pattern")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrExternalLookup    = errors.New("external lookup failed")
	ErrInvalidState      = errors.New("invalid state")
	ErrCooldown          = errors.New("cooldown active")
	ErrNotFound          = errors.New("not found")
	ErrBadCommand        = errors.New("bad command")
)

// RateLimitedError reports how long the giver has to wait until the oldest
// adjustment leaves the window.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %ds", WaitSeconds(e.Wait))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// CooldownError is returned when an initiator repeats a command too early.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown: retry in %ds", WaitSeconds(e.Wait))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

// PatternError identifies the trigger rule whose pattern failed to compile.
type PatternError struct {
	RuleID string
	Err    error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("trigger %s: invalid pattern: %v", e.RuleID, e.Err)
}

func (e *PatternError) Is(target error) bool { return target == ErrInvalidPattern }
func (e *PatternError) Unwrap() error        { return e.Err }

// WaitSeconds rounds a wait up to whole seconds, never below one.
func WaitSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
