package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipp3923/rdrop/pkg/client"
)

const testHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestOfferRoundTrip(t *testing.T) {
	in := Offer{Hash: testHash, Name: "hello.txt", Size: 13}
	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, KindOffer, frame[0])

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOrderRoundTrip(t *testing.T) {
	in := Order{Hash: testHash, Ranges: []Range{{0, 3}, {5, 6}, {9, 10}}}
	frame, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStopRoundTrip(t *testing.T) {
	in := Stop{Hash: testHash}
	frame, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDataPacketRoundTrip(t *testing.T) {
	payload := []byte("some chunk content")
	var fileHash, chunkHash [32]byte
	copy(fileHash[:], strings.Repeat("a", 32))
	copy(chunkHash[:], strings.Repeat("b", 32))

	in := DataPacket{
		Header: ChunkHeader{
			Version:     HeaderVersion,
			FileHash:    fileHash,
			Name:        "hello.txt",
			TotalChunks: 7,
			ChunkIndex:  3,
			ChunkOffset: 3 << 20,
			ChunkLength: uint32(len(payload)),
			ChunkHash:   chunkHash,
		},
		Payload: payload,
	}
	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, KindData, frame[0])
	// header budget: everything before the payload fits in 151 bytes
	assert.LessOrEqual(t, len(frame)-len(payload), 151)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in.Header, out.(DataPacket).Header)
	assert.Equal(t, in.Payload, out.(DataPacket).Payload)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte{0x42, 'x'})
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrProtocol))
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrProtocol))
}

func TestDecodeMalformedRecords(t *testing.T) {
	cases := map[string][]byte{
		"offer without size":   append([]byte{KindOffer}, "OFFER hash="+testHash+" name=\"x\"\n"...),
		"offer bad hash":       append([]byte{KindOffer}, "OFFER hash=zz name=\"x\" size=1\n"...),
		"order empty ranges":   append([]byte{KindOrder}, "ORDER hash="+testHash+" ranges=\n"...),
		"order inverted range": append([]byte{KindOrder}, "ORDER hash="+testHash+" ranges=5..5\n"...),
		"stop truncated hash":  append([]byte{KindStop}, "STOP hash=abcd\n"...),
		"data truncated":       {KindData, HeaderVersion, 0x00},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, client.ErrProtocol))
		})
	}
}

func TestDataPacketLengthMismatch(t *testing.T) {
	in := DataPacket{
		Header:  ChunkHeader{Name: "f", ChunkLength: 5},
		Payload: []byte("four"),
	}
	_, err := Encode(in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrProtocol))
}

func TestEncodeRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", strings.Repeat("x", 65), "a\"b", "a\nb"} {
		_, err := Encode(Offer{Hash: testHash, Name: name, Size: 1})
		assert.Error(t, err, "name %q", name)
	}
}

func TestFullRange(t *testing.T) {
	r := FullRange(10)
	require.Len(t, r, 1)
	assert.Equal(t, uint32(0), r[0].Start)
	assert.Equal(t, uint32(10), r[0].End)
	assert.Equal(t, uint32(10), r[0].Count())
}
