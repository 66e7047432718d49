package retry

import (
	"errors"
	"fmt"
	"time"
)

// Kind tells the orchestrating code what to do with a failure. It is assigned once
// where the raw transport error is first observed, see Classify.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindExhausted
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	case KindTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// Reason narrows a kind down for callers that treat some transient errors
// differently (congestion escalates backoff, nonce conflicts switch accounts).
type Reason string

const (
	ReasonUnknown           Reason = ""
	ReasonNotReady          Reason = "not_ready"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonNetwork           Reason = "network"
	ReasonCongestion        Reason = "congestion"
	ReasonNonceConflict     Reason = "nonce_conflict"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonInvalidInput      Reason = "invalid_input"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonDecode            Reason = "decode"
	ReasonCanceled          Reason = "canceled"
)

// TaggedError carries the kind assigned at the boundary.
type TaggedError struct {
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

func Transient(reason Reason, err error) error {
	return &TaggedError{Kind: KindTransient, Reason: reason, Err: err}
}

func Fatal(reason Reason, err error) error {
	return &TaggedError{Kind: KindFatal, Reason: reason, Err: err}
}

// Error is returned by Do when the attempt budget or the wall clock budget is used
// up. Its message embeds the attempt count and elapsed seconds; operators and
// older clients match on "after N attempts", keep the wording stable.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *Error) Error() string {
	var msg string
	if e.Kind == KindTimeout {
		msg = fmt.Sprintf("%s timed out after %d attempts (%.1fs elapsed)", e.Op, e.Attempts, e.Elapsed.Seconds())
	} else {
		msg = fmt.Sprintf("%s exhausted after %d attempts (%.1fs elapsed)", e.Op, e.Attempts, e.Elapsed.Seconds())
	}
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Last
}

// KindOf reports the kind of err. Untagged errors are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

// ReasonOf reports the reason tagged on err, if any.
func ReasonOf(err error) Reason {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonUnknown
}

func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return false
	}
	return KindOf(err) == KindTransient
}

func IsExhausted(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindExhausted
}

func IsTimeout(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindTimeout
}
