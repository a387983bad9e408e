package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/repository"
	"xnat-ingest-go/pkg/tasks"
)

type stubProcessor struct {
	err   error
	calls int
}

func (s *stubProcessor) Process(_ context.Context, _ tasks.SessionTask) error {
	s.calls++
	return s.err
}

func message(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(tasks.SessionTask{RunID: "run-1", Bundle: "X_Y", Digest: "d"})
	require.NoError(t, err)
	return b
}

func TestHandle_Success(t *testing.T) {
	p := &stubProcessor{}
	counter := repository.NewLocalLockRepository()
	assert.True(t, handle(context.Background(), message(t), p, counter, 3))
	assert.Equal(t, 1, p.calls)
}

func TestHandle_MalformedIsCommitted(t *testing.T) {
	p := &stubProcessor{}
	assert.True(t, handle(context.Background(), []byte("{not json"), p, repository.NewLocalLockRepository(), 3))
	assert.Zero(t, p.calls)
}

func TestHandle_CommitsAfterMaxAttempts(t *testing.T) {
	p := &stubProcessor{err: errors.New("fetch bundle: connection refused")}
	counter := repository.NewLocalLockRepository()
	ctx := context.Background()

	assert.False(t, handle(ctx, message(t), p, counter, 3))
	assert.False(t, handle(ctx, message(t), p, counter, 3))
	assert.True(t, handle(ctx, message(t), p, counter, 3))
	assert.Equal(t, 3, p.calls)

	// 计数在提交后清零
	n, err := counter.IncrAttempts(ctx, "kafka:X_Y")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandle_CancelledIsNotCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &stubProcessor{err: context.Canceled}
	assert.False(t, handle(ctx, message(t), p, repository.NewLocalLockRepository(), 1))
}

func TestTaskMessage_KeyedByBundle(t *testing.T) {
	msg, err := taskMessage(tasks.SessionTask{RunID: "run-1", Bundle: "0A1B_2C3D", Digest: "d"})
	require.NoError(t, err)
	assert.Equal(t, "0A1B_2C3D", string(msg.Key))
	assert.JSONEq(t, `{"run_id":"run-1","bundle":"0A1B_2C3D","digest":"d"}`, string(msg.Value))
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers(config.KafkaConfig{Brokers: "k1:9092, k2:9092,"}))
	assert.Empty(t, brokers(config.KafkaConfig{}))
}
