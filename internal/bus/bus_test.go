package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/event"
)

func TestPartition_StablePerKey(t *testing.T) {
	for _, key := range []string{"na", "272696997", "client-9", ""} {
		first := Partition(key, 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Partition(key, 8))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
	assert.Equal(t, 0, Partition("anything", 1))
	assert.Equal(t, 0, Partition("anything", 0))
}

func TestPartition_SpreadsKeys(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[Partition(fmt.Sprintf("client-%d", i), 4)] = true
	}
	assert.Len(t, seen, 4)
}

type captureProducer struct {
	topic, key string
	value      []byte
}

func (c *captureProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return nil
}

func (c *captureProducer) Close() error { return nil }

func TestPublisher_UsesRouteKey(t *testing.T) {
	cp := &captureProducer{}
	pub := NewPublisher(cp, "events")

	env, err := event.New("info", map[string]any{"client_id": 77, "text": "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), env))

	assert.Equal(t, "events", cp.topic)
	assert.Equal(t, "77", cp.key)

	got, err := DecodeEnvelope(Message{Value: cp.value})
	require.NoError(t, err)
	assert.Equal(t, env.UUID, got.UUID)
	assert.Equal(t, "info", got.Event)
}

func TestPublisher_EmptyKeyFallsBack(t *testing.T) {
	cp := &captureProducer{}
	env, err := event.New("info", nil, nil)
	require.NoError(t, err)
	require.NoError(t, NewPublisher(cp, "events").PublishKey(context.Background(), "", env))
	assert.Equal(t, event.DefaultRouteKey, cp.key)
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope(Message{Topic: "events", Value: []byte("not json")})
	assert.Error(t, err)
}
