package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		reason Reason
	}{
		{"nonce", errors.New("Nonce too low"), KindTransient, ReasonNonceConflict},
		{"underpriced", errors.New("replacement transaction underpriced"), KindTransient, ReasonCongestion},
		{"pool full", errors.New("txpool is full"), KindTransient, ReasonCongestion},
		{"funds", errors.New("insufficient funds for gas * price + value"), KindFatal, ReasonInsufficientFunds},
		{"not found", errors.New("attestation not found"), KindTransient, ReasonNotReady},
		{"rate limited", errors.New("429 Too Many Requests"), KindTransient, ReasonRateLimited},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), KindTransient, ReasonNetwork},
		{"deadline", context.DeadlineExceeded, KindTransient, ReasonNetwork},
		{"canceled", context.Canceled, KindTransient, ReasonCanceled},
		{"eof", errors.New("unexpected EOF"), KindTransient, ReasonNetwork},
		{"decode", errors.New("json: cannot unmarshal number into Go value"), KindFatal, ReasonDecode},
		{"unknown", errors.New("execution reverted"), KindFatal, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.reason, ReasonOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	assert.Nil(t, Classify(nil))

	tagged := Fatal(ReasonInvalidInput, errors.New("not found but fatal"))
	assert.Same(t, tagged, Classify(tagged))

	exhausted := &Error{Kind: KindExhausted, Op: "op", Attempts: 3}
	assert.Same(t, exhausted, Classify(exhausted))
	assert.False(t, IsTransient(exhausted))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindExhausted, Op: "attestation 0x01", Attempts: 3, Elapsed: 1500e6, Last: errors.New("boom")}
	assert.Equal(t, "attestation 0x01 exhausted after 3 attempts (1.5s elapsed): last error: boom", err.Error())

	err = &Error{Kind: KindTimeout, Op: "op", Attempts: 2, Elapsed: 2e9}
	assert.Equal(t, "op timed out after 2 attempts (2.0s elapsed)", err.Error())
}
