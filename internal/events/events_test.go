package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-session-api/pkg/jobs"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaPublisherWritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{Type: TypeLogin, UserID: "1", Username: "demo", OccurredAt: at})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("1"), w.msgs[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, TypeLogin, decoded.Type)
	assert.Equal(t, "demo", decoded.Username)
}

func TestKafkaPublisherPropagatesWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no brokers")}}
	err := p.Publish(context.Background(), Event{Type: TypeLogout})
	assert.Error(t, err)
}

func TestDispatcherDeliversInBackground(t *testing.T) {
	w := &fakeWriter{}
	d := NewDispatcher(&KafkaPublisher{writer: w}, jobs.QueueConfig{Workers: 1})
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(context.Background(), Event{Type: TypeRefresh, UserID: "1"}))
	assert.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherDropsWhenStopped(t *testing.T) {
	d := NewDispatcher(NopPublisher{}, jobs.QueueConfig{})
	assert.NoError(t, d.Publish(context.Background(), Event{Type: TypeLogout}))
}
