package event

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/testutil"
)

func TestEnvelope_WireFormatGolden(t *testing.T) {
	ids := testutil.NewSequentialIDs("ev")

	parent, err := New("records.inserted", map[string]any{
		"id":   "5",
		"data": map[string]any{"client_id": 7},
	}, ids.Next)
	require.NoError(t, err)

	child, err := Child(parent, MessagePreparedClient, ClientMessage{
		ClientID:       "7",
		Text:           "hi",
		IdempotencyKey: "stage-3",
	}, ids.Next)
	require.NoError(t, err)

	var lines [][]byte
	for _, env := range []Envelope{parent, child} {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		lines = append(lines, b)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "envelope_chain", bytes.Join(lines, []byte("\n")))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := []byte(`{"event":"Cards.Updated","uuid":"u-1","source":"sync","id":"9","data":{"a":1}}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(in, &env))
	assert.Equal(t, "Cards.Updated", env.Event)
	assert.Equal(t, "cards_updated", env.Name())
	assert.Equal(t, "u-1", env.ChainUUID, "chain defaults to own uuid")
	assert.Equal(t, "sync", env.Source)
	assert.JSONEq(t, `{"id":"9","data":{"a":1}}`, string(env.Payload))

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, `{"chain_uuid":"u-1","data":{"a":1},"event":"Cards.Updated","id":"9","source":"sync","uuid":"u-1"}`, string(out))
}

func TestEnvelope_UnmarshalRejectsMissingEvent(t *testing.T) {
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(`{"uuid":"x"}`), &env))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &env))
}

func TestNew_RejectsReservedPayloadFields(t *testing.T) {
	_, err := New("x", map[string]any{"uuid": "forged"}, nil)
	assert.Error(t, err)

	_, err = New("x", []int{1}, nil)
	assert.Error(t, err)
}

func TestNew_DefaultIDIsUUIDv7(t *testing.T) {
	env, err := New("x", nil, nil)
	require.NoError(t, err)
	assert.Len(t, env.UUID, 36)
	assert.Equal(t, env.UUID, env.ChainUUID)
	assert.Equal(t, `{}`, string(env.Payload))
}

func TestRouteKey(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"client id number", map[string]any{"client_id": 272696997}, "272696997"},
		{"client id string", map[string]any{"client_id": "abc"}, "abc"},
		{"chat id fallback", map[string]any{"chat_id": -100}, "-100"},
		{"client wins over chat", map[string]any{"client_id": 1, "chat_id": 2}, "1"},
		{"null client id", map[string]any{"client_id": nil, "chat_id": 2}, "2"},
		{"no recipient", map[string]any{"text": "hello"}, DefaultRouteKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := New("info", tt.payload, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.RouteKey())
		})
	}
}

func TestChild_InheritsChain(t *testing.T) {
	ids := testutil.NewSequentialIDs("ev")
	root, err := New("a", nil, ids.Next)
	require.NoError(t, err)
	mid, err := Child(root, "b", nil, ids.Next)
	require.NoError(t, err)
	leaf, err := Child(mid, "c", nil, ids.Next)
	require.NoError(t, err)

	assert.Equal(t, "ev-1", leaf.ChainUUID)
	assert.Equal(t, "ev-2", leaf.ParentUUID)
	assert.Equal(t, "ev-3", leaf.UUID)
}
