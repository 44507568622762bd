package client

import (
	"encoding/binary"
	"errors"
)

var errPayloadTooLarge = errors.New("payload exceeds 64 KiB")

// Datagram framing shared by the two UDP disciplines:
// type(1) | seq(4, big-endian) | payload.
const headerLen = 5

type frameType byte

const (
	frameOpen      frameType = 0x01
	frameData      frameType = 0x02
	frameAck       frameType = 0x03
	frameKeepAlive frameType = 0x04
	frameFin       frameType = 0x05
	frameFinAck    frameType = 0x06
)

func encodeFrame(t frameType, seq uint32, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], seq)
	copy(buf[headerLen:], payload)
	return buf
}

// decodeFrame splits a raw datagram. The payload aliases buf.
func decodeFrame(buf []byte) (frameType, uint32, []byte, bool) {
	if len(buf) < headerLen {
		return 0, 0, nil, false
	}
	t := frameType(buf[0])
	if t < frameOpen || t > frameFinAck {
		return 0, 0, nil, false
	}
	return t, binary.BigEndian.Uint32(buf[1:5]), buf[headerLen:], true
}
