package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

type MockWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestKafkaSinkPublish(t *testing.T) {
	w := &MockWriter{}
	sink := newKafkaSink(w, "swap-events", zaptest.NewLogger(t))

	event := domain.NewStatusEvent("tx-1", domain.StateConfirmed, &domain.EventData{TxHash: "sig"})
	require.NoError(t, sink.Publish(context.Background(), event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("tx-1"), msg.Key)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("confirmed"), msg.Headers[0].Value)

	var decoded domain.StatusEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "tx-1", decoded.TransactionID)
	assert.Equal(t, "sig", decoded.Data.TxHash)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"}, logger)
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, logger)
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "swap-events", Async: true}, logger)
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}
