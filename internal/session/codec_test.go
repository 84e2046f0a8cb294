package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

func TestEncodeDecodeSnapshot_RoundTripsInstrumentKeyedMap(t *testing.T) {
	key := models.InstrumentKey{Exchange: models.NSE, Token: 256265}
	snap := models.SessionSnapshot{
		Version:   models.SnapshotVersion,
		UserID:    "u1",
		SessionID: "s1",
		LastLTP:   map[models.InstrumentKey]float64{key: 123.45},
		ActiveAlerts: []models.Alert{
			{ID: "a1", Instrument: models.Instrument{Exchange: models.NSE, Token: 256265}, Condition: models.ConditionAbove, Price: 100, Armed: true, CreatedAt: time.Now().Truncate(time.Second)},
		},
	}

	blob, err := encodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := decodeSnapshot(blob)
	require.NoError(t, err)

	assert.Equal(t, snap.UserID, decoded.UserID)
	assert.Equal(t, snap.SessionID, decoded.SessionID)
	assert.Equal(t, snap.LastLTP[key], decoded.LastLTP[key])
	require.Len(t, decoded.ActiveAlerts, 1)
	assert.Equal(t, "a1", decoded.ActiveAlerts[0].ID)
}

func TestDecodeSnapshot_RejectsMalformedJSON(t *testing.T) {
	_, err := decodeSnapshot([]byte("not json"))
	assert.Error(t, err)
}
