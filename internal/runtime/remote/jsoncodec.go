package remote

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONCodec encodes envelopes as JSON. Payloads are base64 strings.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	return b, errors.Wrap(err, "remote: marshal envelope")
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, env *Envelope) error {
	return errors.Wrap(json.Unmarshal(data, env), "remote: unmarshal envelope")
}

// ContentType implements Codec.
func (JSONCodec) ContentType() string { return "application/json" }
