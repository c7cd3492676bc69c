package venue

import (
	"errors"
	"fmt"
	"strings"

	"funding-arb-bot/internal/retry"
)

var (
	ErrTransient           = errors.New("transient venue error")
	ErrRateLimited         = errors.New("rate limited")
	ErrOrderRejected       = errors.New("order rejected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSize         = errors.New("invalid order size")
	ErrPostOnlyRejected    = errors.New("post-only order would cross")
	ErrPositionFlat        = errors.New("position already flat")
	ErrFatal               = errors.New("fatal venue error")
	ErrGateClosed          = errors.New("trading gate closed")
)

// parents lets errors.Is match the broader category of a refined kind.
var parents = map[error]error{
	ErrRateLimited:         ErrTransient,
	ErrInsufficientBalance: ErrOrderRejected,
	ErrInvalidSize:         ErrOrderRejected,
	ErrPostOnlyRejected:    ErrOrderRejected,
}

// Error is a classified venue failure.
type Error struct {
	Venue   string
	Op      string
	Kind    error
	Code    string
	Message string
	Err     error
}

func NewError(venue, op string, kind error, code, message string) *Error {
	return &Error{Venue: venue, Op: op, Kind: kind, Code: code, Message: message}
}

func Wrap(venue, op string, kind error, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Venue: venue, Op: op, Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Venue, e.Op, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if parent, ok := parents[e.Kind]; ok {
		out = append(out, parent)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// positionMissingCodes are the codes venues return when a reduce-only order
// finds no position (or a position on the other side) to reduce.
var positionMissingCodes = map[string]struct{}{
	"1137": {},
	"1138": {},
}

var positionMissingPhrases = []string{
	"position is missing",
	"position not found",
	"no position",
	"wrong side",
	"reduce only order would increase position",
	"reduce-only order would increase position",
}

// IsPositionMissing reports whether a rejection means there is nothing left
// to reduce.
func IsPositionMissing(code, message string) bool {
	if _, ok := positionMissingCodes[strings.TrimSpace(code)]; ok {
		return true
	}
	msg := strings.ToLower(message)
	for _, phrase := range positionMissingPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Classify maps the taxonomy onto retry classes for idempotent calls.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Stop
	case errors.Is(err, ErrPositionFlat):
		return retry.Satisfied
	case errors.Is(err, ErrTransient):
		return retry.Retry
	default:
		return retry.Stop
	}
}

// ClassifyPlacement is Classify for order placement: only rate-limit
// rejections are retried, since a timed-out order may have been accepted.
// ErrPositionFlat stops here so the caller sees it; there is no order to
// return.
func ClassifyPlacement(err error) retry.Class {
	switch {
	case errors.Is(err, ErrRateLimited):
		return retry.Retry
	default:
		return retry.Stop
	}
}
