package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

const statusComplete = "complete"

type response struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
	Error       string `json:"error,omitempty"`
}

// Fetcher polls the attestation service for a message hash.
type Fetcher struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewFetcher returns a Fetcher for baseURL. requestTimeout bounds each HTTP call,
// the overall budget is given per Fetch.
func NewFetcher(baseURL string, requestTimeout time.Duration, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		log:     logger.Named("attestation"),
		metrics: m,
	}
}

// Fetch polls until the attestation is complete. maxAttempts is the total number
// of requests. The returned error is fatal, exhausted or timeout, see retry.KindOf.
func (f *Fetcher) Fetch(ctx context.Context, messageHash string, maxAttempts int, retryDelay, timeout time.Duration) (*types.Proof, error) {
	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		Delay:       retryDelay,
		Timeout:     timeout,
	}

	proof, err := retry.Do(ctx, policy, "attestation "+messageHash,
		func(ctx context.Context, attempt int) (*types.Proof, bool, error) {
			att, ready, err := f.get(ctx, messageHash)
			if err != nil {
				f.log.Debug("attestation request failed",
					zap.String("message_hash", messageHash),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return nil, false, err
			}
			if !ready {
				f.log.Debug("attestation not ready",
					zap.String("message_hash", messageHash),
					zap.Int("attempt", attempt),
				)
				return nil, false, nil
			}
			return &types.Proof{
				MessageHash: messageHash,
				Attestation: att,
				Attempts:    attempt,
				FetchedAt:   time.Now().UTC(),
			}, true, nil
		})

	f.record(proof, err)
	return proof, err
}

// get makes one request. (false, nil) means not ready yet.
func (f *Fetcher) get(ctx context.Context, messageHash string) (string, bool, error) {
	url := fmt.Sprintf("%s/attestations/%s", f.baseURL, messageHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, retry.Fatal(retry.ReasonInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, retry.Transient(retry.ReasonCanceled, err)
		}
		return "", false, retry.Transient(retry.ReasonNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, retry.Transient(retry.ReasonNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", false, retry.Transient(retry.ReasonRateLimited, fmt.Errorf("attestation service: %s", resp.Status))
	case resp.StatusCode >= 500:
		return "", false, retry.Transient(retry.ReasonNetwork, fmt.Errorf("attestation service: %s", resp.Status))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", false, retry.Fatal(retry.ReasonUnauthorized, fmt.Errorf("attestation service: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return "", false, retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("attestation service: %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", false, retry.Fatal(retry.ReasonDecode, fmt.Errorf("cannot decode attestation response: %w", err))
	}

	if r.Status != statusComplete || r.Attestation == "" || strings.EqualFold(r.Attestation, "PENDING") {
		return "", false, nil
	}
	return r.Attestation, true, nil
}

func (f *Fetcher) record(proof *types.Proof, err error) {
	if f.metrics == nil {
		return
	}
	if err == nil {
		f.metrics.AttestationOutcomes.WithLabelValues("success").Inc()
		f.metrics.AttestationAttempts.Observe(float64(proof.Attempts))
		return
	}
	f.metrics.AttestationOutcomes.WithLabelValues(retry.KindOf(err).String()).Inc()
}
