package swarm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    AgentID
		wantErr bool
	}{
		{name: "full id", input: "trader:default", want: AgentID{Type: TypeTrader, Name: "default"}},
		{name: "named instance", input: "scout:news", want: AgentID{Type: TypeScout, Name: "news"}},
		{name: "bare type defaults name", input: "analyst", want: AgentID{Type: TypeAnalyst, Name: "default"}},
		{name: "registry", input: "registry:default", want: RegistryID()},
		{name: "unknown type", input: "janitor:default", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "empty name", input: "trader:", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAgentID(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAgentIDAsJSONMapKey(t *testing.T) {
	in := map[AgentID]int{
		NewAgentID(TypeTrader):            1,
		{Type: TypeScout, Name: "social"}: 2,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"trader:default"`)

	var out map[AgentID]int
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestNewMessageAndValidate(t *testing.T) {
	msg, err := NewMessage("msg", NewAgentID(TypeScout), NewAgentID(TypeAnalyst), MessageEvent, TopicSignalsUpdated, map[string]int{"count": 3}, 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, int64(1000), msg.TimestampMs)
	require.NoError(t, msg.Validate())

	var payload map[string]int
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, 3, payload["count"])

	// Missing fields fail validation.
	assert.Error(t, (&Message{}).Validate())
	bad := *msg
	bad.Topic = ""
	assert.Error(t, bad.Validate())
	bad = *msg
	bad.Target = AgentID{}
	assert.Error(t, bad.Validate())
}

func TestMessageExpiry(t *testing.T) {
	msg := &Message{TimestampMs: 1000, TTLMs: 500}
	assert.False(t, msg.Expired(1400))
	assert.False(t, msg.Expired(1500), "exactly at the deadline is not yet expired")
	assert.True(t, msg.Expired(1501))

	// Zero TTL never expires.
	forever := &Message{TimestampMs: 1000}
	assert.False(t, forever.Expired(1<<40))
}
