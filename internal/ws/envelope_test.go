package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franzego/guardwire/internal/models"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := models.NewEnvelope(models.MessageTypeNotification, map[string]any{"title": "alert"})
	env.RecipientID = "guardian-1"

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, models.MessageTypeNotification, got.Type)
	assert.Equal(t, "guardian-1", got.RecipientID)
	assert.Equal(t, "alert", got.Data["title"])
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json at all"))
	assert.Error(t, err)
}

func TestDecodeEnvelope_UnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"message_id":"m1","type":"telepathy","data":{}}`))
	assert.Error(t, err)
}
