package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

type fakeWriter struct {
	msgs     []kafka.Message
	writeErr error
	closeErr error
	closed   bool
	// block makes WriteMessages wait for ctx, as a writer does against an unreachable broker.
	block bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return f.closeErr
}

// TestPublishingStore_Append_PublishesKeyedByStation verifies one message per reading keyed by station name.
func TestPublishingStore_Append_PublishesKeyedByStation(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(clockwork.NewFakeClockAt(epoch), nil)
	w := &fakeWriter{}
	p := NewPublishingStore(inner, w, nil)

	require.NoError(t, p.Append(ctx, []models.StationReading{
		reading("A", []models.Measurement{measurement(1, "2025-03-01T00:00:00Z")}, nil),
		reading("B", nil, []models.Measurement{measurement(2, "2025-03-01T00:00:00Z")}),
	}))

	require.Len(t, w.msgs, 2)
	require.Equal(t, "A", string(w.msgs[0].Key))
	require.Equal(t, "B", string(w.msgs[1].Key))
	var ev ReadingEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	require.Equal(t, "B", ev.Station)
	require.Len(t, ev.Reading.PM10, 1)

	recs, err := p.Query(ctx, "A", 7)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

// TestPublishingStore_Append_PublishFailureIsAbsorbed verifies broker errors do not fail the append.
func TestPublishingStore_Append_PublishFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(clockwork.NewFakeClockAt(epoch), nil)
	p := NewPublishingStore(inner, &fakeWriter{writeErr: errors.New("broker down")}, nil)

	require.NoError(t, p.Append(ctx, []models.StationReading{
		reading("A", []models.Measurement{measurement(1, "2025-03-01T00:00:00Z")}, nil),
	}))
	require.Equal(t, 1, inner.Stations())
}

// TestPublishingStore_Append_UnreachableBrokerIsBounded verifies a stalled broker delays the append by
// at most the publish timeout, even when the caller's context has no deadline.
func TestPublishingStore_Append_UnreachableBrokerIsBounded(t *testing.T) {
	inner := NewMemoryStore(clockwork.NewFakeClockAt(epoch), nil)
	p := NewPublishingStore(inner, &fakeWriter{block: true}, nil)
	p.timeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- p.Append(context.WithoutCancel(context.Background()), []models.StationReading{
			reading("A", []models.Measurement{measurement(1, "2025-03-01T00:00:00Z")}, nil),
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Append() did not return within the publish timeout")
	}
	require.Equal(t, 1, inner.Stations())
}

// TestNewKafkaWriter_BoundsRetries verifies the writer's own timeouts and attempts stay within the publish budget.
func TestNewKafkaWriter_BoundsRetries(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "air-quality-readings")
	defer w.Close()
	require.Equal(t, DefaultPublishTimeout, w.WriteTimeout)
	require.Equal(t, 2, w.MaxAttempts)
}

// TestPublishingStore_Close_ClosesBoth verifies close errors are aggregated.
func TestPublishingStore_Close_ClosesBoth(t *testing.T) {
	w := &fakeWriter{closeErr: errors.New("flush failed")}
	p := NewPublishingStore(NewMemoryStore(nil, nil), w, nil)

	err := p.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "flush failed")
	require.True(t, w.closed)
}
