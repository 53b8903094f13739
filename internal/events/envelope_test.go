package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const p2Message = `{
	"schema": "2.0",
	"header": {
		"event_id": "ev-123",
		"event_type": "im.message.receive_v1",
		"create_time": "1608725989000",
		"token": "verify-token",
		"app_id": "cli_app",
		"tenant_key": "tenant-1"
	},
	"event": {
		"sender": {"sender_id": {"open_id": "ou_1"}, "sender_type": "user"},
		"message": {
			"message_id": "om_1",
			"chat_id": "oc_1",
			"chat_type": "p2p",
			"message_type": "text",
			"content": "{\"text\":\"hello bot\"}",
			"mentions": [{"key": "@_user_1", "id": {"open_id": "ou_bot"}, "name": "Bot"}]
		}
	}
}`

const p1Event = `{
	"uuid": "legacy-1",
	"ts": "1502199207.7171419",
	"token": "verify-token",
	"type": "event_callback",
	"event": {"type": "add_bot", "tenant_key": "tenant-1", "app_id": "cli_app", "chat_name": "ops"}
}`

func TestParseEnvelopeV2(t *testing.T) {
	env, err := ParseEnvelope([]byte(p2Message))
	require.NoError(t, err)

	assert.Equal(t, SchemaV2, env.Schema)
	assert.Equal(t, "ev-123", env.EventID)
	assert.Equal(t, TypeMessageReceive, env.EventType)
	assert.Equal(t, int64(1608725989000), env.CreateTime)
	assert.Equal(t, "verify-token", env.Token)
	assert.Equal(t, "tenant-1", env.TenantKey)
	assert.Equal(t, "cli_app", env.AppID)
	assert.NotEmpty(t, env.Event)
	assert.False(t, env.IsURLVerification())
}

func TestParseEnvelopeV1(t *testing.T) {
	env, err := ParseEnvelope([]byte(p1Event))
	require.NoError(t, err)

	assert.Equal(t, SchemaV1, env.Schema)
	assert.Equal(t, "legacy-1", env.EventID)
	assert.Equal(t, "add_bot", env.EventType)
	assert.Equal(t, int64(1502199207717), env.CreateTime)
	assert.Equal(t, "tenant-1", env.TenantKey)
	assert.Equal(t, "cli_app", env.AppID)
}

func TestParseEnvelopeURLVerification(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"url_verification","challenge":"abc","token":"t"}`))
	require.NoError(t, err)

	assert.True(t, env.IsURLVerification())
	assert.Equal(t, "abc", env.Challenge)
	assert.Equal(t, "t", env.Token)
	assert.Equal(t, SchemaUnknown, env.Schema)
}

func TestParseEnvelopeUnknownSchema(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.Equal(t, SchemaUnknown, env.Schema)
	assert.Empty(t, env.EventID)
}

func TestParseEnvelopeRejectsNonObject(t *testing.T) {
	for _, raw := range []string{``, `[]`, `"str"`, `{broken`} {
		_, err := ParseEnvelope([]byte(raw))
		var de *DecodeError
		assert.ErrorAs(t, err, &de, "payload %q", raw)
	}
}

func TestParseEnvelopeNumericHeaderFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"schema":"2.0","header":{"event_id":"e","event_type":"x","create_time":1608725989}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1608725989000), env.CreateTime)
}
