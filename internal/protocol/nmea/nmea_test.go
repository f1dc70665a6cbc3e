package nmea

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func TestDecoder_GPRMC(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	require.Equal(t, protocol.KindPosition, m.Kind)
	require.NotNil(t, m.Fix)
	assert.InDelta(t, 48.1173, m.Fix.Latitude, 1e-4)
	assert.InDelta(t, 11.5167, m.Fix.Longitude, 1e-4)
	// 22.4 knots stored as km/h
	assert.InDelta(t, 41.485, m.Fix.Speed, 0.01)
	assert.InDelta(t, 84.4, m.Fix.Course, 1e-9)
	assert.True(t, m.Fix.Valid)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC), m.Fix.Time)
}

func TestDecoder_ChecksumMismatch(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6B\r\n"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, uint64(1), d.ChecksumErrs)
}

func TestDecoder_GPGGA(t *testing.T) {
	d := NewDecoder()
	d.Clock = clock.NewFake(time.Date(2025, 7, 15, 14, 40, 0, 0, time.UTC))

	msgs, err := d.Feed([]byte("$GPGGA,143015,1925.9560,N,09907.9920,W,1,08,1.2,2240.0,M,,M,,\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	require.Equal(t, protocol.KindPosition, m.Kind)
	assert.InDelta(t, 19.4326, m.Fix.Latitude, 1e-4)
	assert.InDelta(t, -99.1332, m.Fix.Longitude, 1e-4)
	assert.Equal(t, 8, m.Fix.Satellites)
	assert.InDelta(t, 1.2, m.Fix.HDOP, 1e-9)
	assert.InDelta(t, 2240.0, m.Fix.Altitude, 1e-9)
	assert.Equal(t, 1, m.Fix.Quality)
	// date comes from the wall clock
	assert.Equal(t, time.Date(2025, 7, 15, 14, 30, 15, 0, time.UTC), m.Fix.Time)
}

func TestDecoder_GPGLL(t *testing.T) {
	d := NewDecoder()
	d.Clock = clock.NewFake(time.Date(2025, 7, 15, 1, 0, 0, 0, time.UTC))

	msgs, err := d.Feed([]byte("$GPGLL,4916.45,N,12311.12,W,225444,A\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	require.Equal(t, protocol.KindPosition, m.Kind)
	assert.InDelta(t, 49.2742, m.Fix.Latitude, 1e-4)
	assert.InDelta(t, -123.1853, m.Fix.Longitude, 1e-4)
	// 22:54 is ahead of the 01:00 wall clock: previous day
	assert.Equal(t, time.Date(2025, 7, 14, 22, 54, 44, 0, time.UTC), m.Fix.Time)
}

func TestDecoder_IgnoresOtherSentences(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Feed([]byte("$GPGSV,3,1,11,03,03,111,00,04,15,270,00*74\r\n"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
