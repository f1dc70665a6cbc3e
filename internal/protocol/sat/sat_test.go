package sat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

const testIMEI = model.IMEI("352749380148144")

func TestDecoder_TwoRecords(t *testing.T) {
	// the packed year nibble covers 2007..2022
	t1 := time.Date(2021, 3, 14, 9, 26, 0, 0, time.UTC)
	t2 := time.Date(2021, 3, 14, 9, 27, 0, 0, time.UTC)
	raw := MarshalHeader(testIMEI, 42, 2)
	raw = append(raw, MarshalRecord(t1, 19.4326, -99.1332)...)
	raw = append(raw, MarshalRecord(t2, 19.4330, -99.1340)...)

	d := NewDecoder()
	msgs, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	m := msgs[0]
	assert.Equal(t, protocol.KindPosition, m.Kind)
	assert.Equal(t, testIMEI, m.IMEI)
	assert.Equal(t, uint16(42), m.Serial)
	require.NotNil(t, m.Fix)
	// float32 storage limits precision
	assert.InDelta(t, 19.4326, m.Fix.Latitude, 1e-4)
	assert.InDelta(t, -99.1332, m.Fix.Longitude, 1e-4)
	assert.Equal(t, t1, m.Fix.Time)
	assert.Equal(t, t2, msgs[1].Fix.Time)
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	ts := time.Date(2021, 12, 31, 23, 59, 0, 0, time.UTC)
	raw := MarshalHeader(testIMEI, 1, 1)
	raw = append(raw, MarshalRecord(ts, 48.1173, 11.5167)...)

	d := NewDecoder()
	msgs, err := d.Feed(raw[:20])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = d.Feed(raw[20:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ts, msgs[0].Fix.Time)
}

func TestDecoder_GarbageResync(t *testing.T) {
	ts := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	frame := MarshalHeader(testIMEI, 7, 1)
	frame = append(frame, MarshalRecord(ts, 1, 2)...)
	raw := append([]byte{0xFF, 0xFE}, frame...)

	d := NewDecoder()
	msgs, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotZero(t, d.FramingErrs)
}

func TestDecoder_BadDateYieldsError(t *testing.T) {
	raw := MarshalHeader(testIMEI, 1, 1)
	rec := make([]byte, recordLen) // month 0 is invalid
	raw = append(raw, rec...)

	d := NewDecoder()
	msgs, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindError, msgs[0].Kind)
}
