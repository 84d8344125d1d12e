package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentDeliveryID derives a stable delivery ID from a body so replays of a
// notification that carried no delivery header still dedupe. JSON bodies are
// compacted first so whitespace differences do not matter.
func ContentDeliveryID(topic string, body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimSpace(body))
	}

	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(buf.Bytes())
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
