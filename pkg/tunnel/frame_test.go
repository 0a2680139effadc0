package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	cases := []Frame{
		{Type: TypeConnect, Proto: ProtoTCP, ClientID: 1, Port: 8080, Payload: nil},
		{Type: TypeConnected, Proto: ProtoTCP, ClientID: 0xFFFFFFFF, Port: 0, Payload: []byte{}},
		{Type: TypeData, Proto: ProtoUDP, ClientID: 42, Port: 53, Payload: []byte("hello world")},
		{Type: TypeClose, Proto: ProtoTCP, ClientID: 7, Port: 0, Payload: nil},
		{Type: TypeError, Proto: ProtoTCP, ClientID: 7, Port: 0, Payload: []byte("connection refused")},
		{Type: TypePing, Proto: 0, ClientID: 0, Port: 0, Payload: nil},
		{Type: TypePong, Proto: 0, ClientID: 0, Port: 0, Payload: nil},
	}

	for _, want := range cases {
		encoded := Encode(want)
		got, err := Decode(encoded)
		require.NoError(t, err)

		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Proto, got.Proto)
		assert.Equal(t, want.ClientID, got.ClientID)
		assert.Equal(t, want.Port, got.Port)
		if len(want.Payload) == 0 {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, want.Payload, got.Payload)
		}
	}
}

func TestEncode_HeaderLayoutIsBigEndian(t *testing.T) {
	f := Frame{Type: TypeData, Proto: ProtoTCP, ClientID: 0x01020304, Port: 0x1234, Payload: []byte("x")}
	buf := Encode(f)

	require.Len(t, buf, HeaderSize+1)
	assert.Equal(t, byte(TypeData), buf[0])
	assert.Equal(t, byte(ProtoTCP), buf[1])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[2:6])
	assert.Equal(t, []byte{0x12, 0x34}, buf[6:8])
	assert.Equal(t, byte('x'), buf[8])
}

func TestDecode_RejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecode_EmptyPayloadProducesNilSlice(t *testing.T) {
	f, err := Decode(Encode(Frame{Type: TypePing}))
	require.NoError(t, err)
	assert.Nil(t, f.Payload)
}

func TestTypeString_CoversKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "CONNECT", TypeConnect.String())
	assert.Equal(t, "DATA", TypeData.String())
	assert.Contains(t, Type(99).String(), "UNKNOWN")
}
