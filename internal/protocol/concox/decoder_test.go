package concox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func loginFrame(t *testing.T) []byte {
	t.Helper()
	f := Frame{
		Proto:   msgLogin,
		Payload: []byte{0x03, 0x52, 0x45, 0x32, 0x01, 0x93, 0x21, 0x74},
		Serial:  0x0001,
	}
	return f.Marshal()
}

func TestDecoder_Login(t *testing.T) {
	d := NewDecoder()
	msgs, err := d.Feed(loginFrame(t))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, protocol.KindLogin, m.Kind)
	assert.Equal(t, model.IMEI("352453201932174"), m.IMEI)
	assert.Equal(t, uint16(1), m.Serial)

	// ack echoes protocol number and serial with an empty payload
	require.NotEmpty(t, m.Ack)
	assert.Equal(t, byte(0x78), m.Ack[0])
	assert.Equal(t, byte(msgLogin), m.Ack[3])
	assert.Equal(t, []byte{0x00, 0x01}, m.Ack[4:6])
}

func TestDecoder_Position(t *testing.T) {
	// lat 22.546048 N, lon 114.079712 E -> raw = deg*1800000
	payload := []byte{
		0x18, 0x07, 0x15, 0x0C, 0x1E, 0x00, // 2024-07-21 12:30:00 UTC
		0xC8,                   // gps info len + 8 sats
		0x02, 0x6B, 0x3F, 0x3E, // 40583998 = 22.546... * 1800000 (approx)
		0x0C, 0x3D, 0x53, 0x40, // 205345600
		0x28,       // 40 km/h
		0x15, 0x4E, // valid(bit12) + north(bit10) + course 334
	}
	f := Frame{Proto: msgGPS, Payload: payload, Serial: 0x0010}

	d := NewDecoder()
	msgs, err := d.Feed(f.Marshal())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	require.Equal(t, protocol.KindPosition, m.Kind)
	require.NotNil(t, m.Fix)
	assert.InDelta(t, 22.5466, m.Fix.Latitude, 0.001)
	assert.InDelta(t, 114.0809, m.Fix.Longitude, 0.001)
	assert.Equal(t, 40.0, m.Fix.Speed)
	assert.Equal(t, 334.0, m.Fix.Course)
	assert.Equal(t, 8, m.Fix.Satellites)
	assert.True(t, m.Fix.Valid)
	assert.Equal(t, time.Date(2024, 7, 21, 12, 30, 0, 0, time.UTC), m.Fix.Time)
}

func TestDecoder_PositionSouthWest(t *testing.T) {
	payload := []byte{
		0x18, 0x07, 0x15, 0x0C, 0x1E, 0x00,
		0xC8,
		0x02, 0x6B, 0x3F, 0x3E,
		0x0C, 0x3D, 0x53, 0x40,
		0x28,
		0x19, 0x4E, // valid + bit10 clear (south) + bit11 set (west)
	}
	f := Frame{Proto: msgGPS, Payload: payload, Serial: 0x0010}

	d := NewDecoder()
	msgs, err := d.Feed(f.Marshal())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Less(t, msgs[0].Fix.Latitude, 0.0)
	assert.Less(t, msgs[0].Fix.Longitude, 0.0)
}

func TestDecoder_Heartbeat(t *testing.T) {
	f := Frame{
		Proto:   msgHeartbeat,
		Payload: []byte{0x00, 0x01, 0x48, 0x04, 0x00, 0x00}, // 3.28 V, gsm 4, status 0
		Serial:  0x000D,
	}

	d := NewDecoder()
	msgs, err := d.Feed(f.Marshal())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, protocol.KindHeartbeat, m.Kind)
	assert.InDelta(t, 3.28, m.Voltage, 0.001)
	assert.Equal(t, 4, m.GSMSignal)
	assert.Equal(t, uint16(0), m.StatusBits)
	assert.NotEmpty(t, m.Ack)
}

func TestDecoder_TimeCalibration(t *testing.T) {
	d := NewDecoder()
	d.Clock = clock.NewFake(time.Date(2025, 3, 1, 8, 9, 10, 0, time.UTC))

	f := Frame{Proto: msgTimeReq, Serial: 0x0002}
	msgs, err := d.Feed(f.Marshal())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, protocol.KindTimeSync, m.Kind)
	// 6-byte UTC echo inside a 0x8A frame
	require.Len(t, m.Ack, 16) // hdr(2)+len(1)+proto(1)+payload(6)+isn(2)+crc(2)+tail(2)
	assert.Equal(t, []byte{25, 3, 1, 8, 9, 10}, m.Ack[4:10])
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	raw := loginFrame(t)
	d := NewDecoder()

	msgs, err := d.Feed(raw[:7])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = d.Feed(raw[7:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindLogin, msgs[0].Kind)
}

func TestDecoder_GarbageResync(t *testing.T) {
	raw := append([]byte{0x00, 0xFF, 0x13}, loginFrame(t)...)
	d := NewDecoder()
	msgs, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), d.FramingErrs)
}

func TestDecoder_ChecksumFailureDiscardsFrameOnly(t *testing.T) {
	bad := loginFrame(t)
	bad[10] ^= 0xFF // corrupt payload, CRC now mismatches
	raw := append(bad, loginFrame(t)...)

	d := NewDecoder()
	msgs, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), d.ChecksumErrs)
}

func TestEncoder_CutOil(t *testing.T) {
	e := NewEncoder()
	b, err := e.EncodeCommand("cut_oil", nil)
	require.NoError(t, err)
	assert.Equal(t, byte(msgCommand), b[3])
	assert.Contains(t, string(b), "DYD,000000#")

	_, err = e.EncodeCommand("no_such_command", nil)
	assert.Error(t, err)
}
