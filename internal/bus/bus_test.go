package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testPayload struct {
	JobID string `json:"job_id"`
}

func TestPublishFanOutAndReceive(t *testing.T) {
	b := New(zap.NewNop())
	b.DeclareQueue("q1")
	b.DeclareQueue("q2")
	require.NoError(t, b.Subscribe("topic", "q1"))
	require.NoError(t, b.Subscribe("topic", "q2"))

	require.NoError(t, b.Publish(context.Background(), "topic", testPayload{JobID: "abc"}))

	for _, name := range []string{"q1", "q2"} {
		msgs, err := b.Queue(name).Receive(context.Background(), time.Second, time.Minute)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		inner := UnwrapEnvelope(msgs[0].Body)
		var got testPayload
		require.NoError(t, json.Unmarshal(inner, &got))
		assert.Equal(t, "abc", got.JobID)
	}
}

func TestUnwrapEnvelopeToleratesRawBody(t *testing.T) {
	raw, err := json.Marshal(testPayload{JobID: "raw"})
	require.NoError(t, err)

	var got testPayload
	require.NoError(t, json.Unmarshal(UnwrapEnvelope(raw), &got))
	assert.Equal(t, "raw", got.JobID)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q := newQueue(8)
	q.enqueue([]byte("body"))

	msgs, err := q.Receive(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(30 * time.Millisecond)

	redelivered, err := q.Receive(context.Background(), time.Second, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "body", string(redelivered[0].Body))
}

func TestDeleteAcksMessage(t *testing.T) {
	q := newQueue(8)
	q.enqueue([]byte("body"))

	msgs, err := q.Receive(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	q.Delete(msgs[0].ReceiptHandle)
	time.Sleep(30 * time.Millisecond)

	redelivered, err := q.Receive(context.Background(), 20*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, redelivered)
}

func TestPublishAfterDelayedDelivery(t *testing.T) {
	b := New(zap.NewNop())
	b.DeclareQueue("delayed")
	require.NoError(t, b.Subscribe("topic", "delayed"))

	sched, err := NewScheduler(b, zap.NewNop())
	require.NoError(t, err)
	sched.Start()
	defer sched.Stop()

	require.NoError(t, sched.PublishAfter("topic", 20*time.Millisecond, testPayload{JobID: "later"}))

	msgs, err := b.Queue("delayed").Receive(context.Background(), 500*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
