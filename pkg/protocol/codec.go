package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/philipp3923/rdrop/pkg/client"
)

// Textual record grammars. The formats are fixed; anything that does not
// match fails with Protocol.
var (
	offerRegex = regexp.MustCompile(`^OFFER hash=([0-9a-f]{64}) name="([^"]{1,64})" size=(\d+)\n$`)
	orderRegex = regexp.MustCompile(`^ORDER hash=([0-9a-f]{64}) ranges=(\d+\.\.\d+(?:,\d+\.\.\d+)*)\n$`)
	stopRegex  = regexp.MustCompile(`^STOP hash=([0-9a-f]{64})\n$`)
)

// chunkHeaderMax is the fixed header budget: version, file hash, name length
// and name, chunk geometry, chunk hash.
const chunkHeaderMax = 1 + 1 + 32 + 1 + MaxNameLen + 4 + 4 + 8 + 4 + 32

func protoErr(op string, err error) error {
	return &client.Error{Kind: client.KindProtocol, Op: op, Err: err}
}

// Encode serializes a message into a wire frame.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Offer:
		if err := checkHash(v.Hash); err != nil {
			return nil, protoErr("encode offer", err)
		}
		if err := checkName(v.Name); err != nil {
			return nil, protoErr("encode offer", err)
		}
		return textFrame(KindOffer, fmt.Sprintf("OFFER hash=%s name=\"%s\" size=%d\n", v.Hash, v.Name, v.Size)), nil
	case Order:
		if err := checkHash(v.Hash); err != nil {
			return nil, protoErr("encode order", err)
		}
		if len(v.Ranges) == 0 {
			return nil, protoErr("encode order", fmt.Errorf("empty range list"))
		}
		parts := make([]string, len(v.Ranges))
		for i, r := range v.Ranges {
			parts[i] = r.String()
		}
		return textFrame(KindOrder, fmt.Sprintf("ORDER hash=%s ranges=%s\n", v.Hash, strings.Join(parts, ","))), nil
	case Stop:
		if err := checkHash(v.Hash); err != nil {
			return nil, protoErr("encode stop", err)
		}
		return textFrame(KindStop, fmt.Sprintf("STOP hash=%s\n", v.Hash)), nil
	case DataPacket:
		return encodeData(v)
	default:
		return nil, protoErr("encode", fmt.Errorf("unknown message type %T", m))
	}
}

// Decode parses a wire frame back into a message. Unknown leading bytes and
// malformed bodies fail with Protocol.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, protoErr("decode", fmt.Errorf("empty frame"))
	}
	switch frame[0] {
	case KindOffer:
		m := offerRegex.FindStringSubmatch(string(frame[1:]))
		if m == nil {
			return nil, protoErr("decode offer", fmt.Errorf("malformed record"))
		}
		size, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return nil, protoErr("decode offer", err)
		}
		return Offer{Hash: m[1], Name: m[2], Size: size}, nil
	case KindOrder:
		m := orderRegex.FindStringSubmatch(string(frame[1:]))
		if m == nil {
			return nil, protoErr("decode order", fmt.Errorf("malformed record"))
		}
		ranges, err := parseRanges(m[2])
		if err != nil {
			return nil, protoErr("decode order", err)
		}
		return Order{Hash: m[1], Ranges: ranges}, nil
	case KindStop:
		m := stopRegex.FindStringSubmatch(string(frame[1:]))
		if m == nil {
			return nil, protoErr("decode stop", fmt.Errorf("malformed record"))
		}
		return Stop{Hash: m[1]}, nil
	case KindData:
		return decodeData(frame)
	default:
		return nil, protoErr("decode", fmt.Errorf("unknown message kind 0x%02x", frame[0]))
	}
}

func textFrame(kind byte, record string) []byte {
	buf := make([]byte, 0, 1+len(record))
	buf = append(buf, kind)
	return append(buf, record...)
}

func encodeData(p DataPacket) ([]byte, error) {
	if err := checkName(p.Header.Name); err != nil {
		return nil, protoErr("encode data", err)
	}
	if int(p.Header.ChunkLength) != len(p.Payload) {
		return nil, protoErr("encode data", fmt.Errorf("chunk length %d does not match payload %d", p.Header.ChunkLength, len(p.Payload)))
	}
	name := []byte(p.Header.Name)
	buf := make([]byte, 0, chunkHeaderMax+len(p.Payload))
	buf = append(buf, KindData, HeaderVersion)
	buf = append(buf, p.Header.FileHash[:]...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint32(buf, p.Header.TotalChunks)
	buf = binary.BigEndian.AppendUint32(buf, p.Header.ChunkIndex)
	buf = binary.BigEndian.AppendUint64(buf, p.Header.ChunkOffset)
	buf = binary.BigEndian.AppendUint32(buf, p.Header.ChunkLength)
	buf = append(buf, p.Header.ChunkHash[:]...)
	return append(buf, p.Payload...), nil
}

func decodeData(frame []byte) (Message, error) {
	// kind + version + file hash + name length
	if len(frame) < 35 {
		return nil, protoErr("decode data", fmt.Errorf("truncated header"))
	}
	version := frame[1]
	if version != HeaderVersion {
		return nil, protoErr("decode data", fmt.Errorf("unsupported header version %d", version))
	}
	var h ChunkHeader
	h.Version = version
	copy(h.FileHash[:], frame[2:34])
	nameLen := int(frame[34])
	if nameLen == 0 || nameLen > MaxNameLen {
		return nil, protoErr("decode data", fmt.Errorf("bad name length %d", nameLen))
	}
	rest := frame[35:]
	// name + total + index + offset + length + chunk hash
	if len(rest) < nameLen+4+4+8+4+32 {
		return nil, protoErr("decode data", fmt.Errorf("truncated header"))
	}
	h.Name = string(rest[:nameLen])
	rest = rest[nameLen:]
	h.TotalChunks = binary.BigEndian.Uint32(rest[0:4])
	h.ChunkIndex = binary.BigEndian.Uint32(rest[4:8])
	h.ChunkOffset = binary.BigEndian.Uint64(rest[8:16])
	h.ChunkLength = binary.BigEndian.Uint32(rest[16:20])
	copy(h.ChunkHash[:], rest[20:52])
	payload := rest[52:]
	if len(payload) != int(h.ChunkLength) {
		return nil, protoErr("decode data", fmt.Errorf("payload length %d does not match header %d", len(payload), h.ChunkLength))
	}
	return DataPacket{Header: h, Payload: payload}, nil
}

func parseRanges(s string) ([]Range, error) {
	parts := strings.Split(s, ",")
	ranges := make([]Range, 0, len(parts))
	for _, part := range parts {
		bounds := strings.SplitN(part, "..", 2)
		start, err := strconv.ParseUint(bounds[0], 10, 32)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(bounds[1], 10, 32)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("empty range %s", part)
		}
		ranges = append(ranges, Range{Start: uint32(start), End: uint32(end)})
	}
	return ranges, nil
}

func checkHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("hash must be 64 hex chars, got %d", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return err
	}
	if strings.ToLower(h) != h {
		return fmt.Errorf("hash must be lower-case hex")
	}
	return nil
}

func checkName(n string) error {
	if n == "" || len(n) > MaxNameLen {
		return fmt.Errorf("name length %d out of bounds", len(n))
	}
	if strings.ContainsAny(n, "\"\n") {
		return fmt.Errorf("name contains forbidden characters")
	}
	return nil
}
