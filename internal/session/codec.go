package session

import (
	"encoding/json"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// encodeSnapshot and decodeSnapshot are the Persistence Adapter's
// wire format for a SessionSnapshot: plain JSON, relying on
// InstrumentKey's TextMarshaler/TextUnmarshaler so the LastLTP map
// round-trips with a non-string key type.
func encodeSnapshot(s models.SessionSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSnapshot(blob []byte) (models.SessionSnapshot, error) {
	var s models.SessionSnapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return models.SessionSnapshot{}, err
	}
	return s, nil
}
