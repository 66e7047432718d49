package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Provider and node wording that decides retryability. This table is the only
// place where error text is inspected; everything downstream switches on Kind and
// Reason. Entries are matched case-insensitively as substrings, first match wins,
// so more specific phrases come first.
var compatTable = []struct {
	phrase string
	kind   Kind
	reason Reason
}{
	// nonce races between relayers or with an external sender
	{"nonce too low", KindTransient, ReasonNonceConflict},
	{"nonce too high", KindTransient, ReasonNonceConflict},
	{"invalid nonce", KindTransient, ReasonNonceConflict},
	{"nonce has already been used", KindTransient, ReasonNonceConflict},

	// mempool congestion
	{"replacement transaction underpriced", KindTransient, ReasonCongestion},
	{"transaction underpriced", KindTransient, ReasonCongestion},
	{"txpool is full", KindTransient, ReasonCongestion},
	{"transaction pool is full", KindTransient, ReasonCongestion},
	{"mempool is full", KindTransient, ReasonCongestion},
	{"too many pending", KindTransient, ReasonCongestion},
	{"already known", KindTransient, ReasonCongestion},
	{"exceeds block gas limit", KindTransient, ReasonCongestion},

	{"insufficient funds", KindFatal, ReasonInsufficientFunds},
	{"insufficient balance", KindFatal, ReasonInsufficientFunds},

	// attestation service / generic upstream not ready
	{"not found", KindTransient, ReasonNotReady},
	{"not ready", KindTransient, ReasonNotReady},
	{"pending_confirmations", KindTransient, ReasonNotReady},

	{"rate limit", KindTransient, ReasonRateLimited},
	{"too many requests", KindTransient, ReasonRateLimited},
	{"429", KindTransient, ReasonRateLimited},

	{"timeout", KindTransient, ReasonNetwork},
	{"timed out", KindTransient, ReasonNetwork},
	{"connection reset", KindTransient, ReasonNetwork},
	{"connection refused", KindTransient, ReasonNetwork},
	{"econnreset", KindTransient, ReasonNetwork},
	{"unexpected eof", KindTransient, ReasonNetwork},
	{"temporarily unavailable", KindTransient, ReasonNetwork},
	{"bad gateway", KindTransient, ReasonNetwork},
	{"service unavailable", KindTransient, ReasonNetwork},

	{"unauthorized", KindFatal, ReasonUnauthorized},
	{"forbidden", KindFatal, ReasonUnauthorized},
	{"invalid argument", KindFatal, ReasonInvalidInput},
	{"invalid sender", KindFatal, ReasonInvalidInput},
	{"cannot unmarshal", KindFatal, ReasonDecode},
}

// Classify tags a raw error. Already tagged errors and retry errors pass through
// unchanged, nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *TaggedError
	if errors.As(err, &te) {
		return err
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return Transient(ReasonCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(ReasonNetwork, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(ReasonNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range compatTable {
		if strings.Contains(msg, entry.phrase) {
			return &TaggedError{Kind: entry.kind, Reason: entry.reason, Err: err}
		}
	}
	return Fatal(ReasonUnknown, err)
}
