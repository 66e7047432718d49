package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gousdcbridge/logger"
	"gousdcbridge/types"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, log: logger.Named("events")}

	ev := types.StatusEvent{
		ID:   "5b0f6a0e-8d59-4c64-9a4e-2f4c38d0c6a1",
		From: types.StatusAttesting,
		To:   types.StatusFailed,
		Step: "awaiting attestation",
		At:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, ev.ID, string(msg.Key))
	assert.Equal(t, "failed", string(msg.Headers[0].Value))

	var got types.StatusEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev, got)
}

func TestPublishError(t *testing.T) {
	p := &Publisher{writer: &fakeWriter{err: errors.New("broker down")}, log: logger.Named("events")}
	err := p.Publish(context.Background(), types.StatusEvent{ID: "x"})
	assert.ErrorContains(t, err, "broker down")
}
