package ws

import (
	"encoding/json"
	"fmt"

	"github.com/franzego/guardwire/internal/models"
)

// EncodeEnvelope serializes an envelope to its JSON wire form.
func EncodeEnvelope(env *models.Envelope) ([]byte, error) {
	by, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return by, nil
}

// DecodeEnvelope parses raw wire bytes and validates the type tag.
func DecodeEnvelope(raw []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return &env, nil
}

// errorEnvelope builds the typed error reply sent back on protocol faults.
func errorEnvelope(code, detail, correlationID string) *models.Envelope {
	env := models.NewEnvelope(models.MessageTypeError, map[string]any{
		"code":   code,
		"detail": detail,
	})
	env.CorrelationID = correlationID
	return env
}
