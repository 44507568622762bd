package shard

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/philipp3923/rdrop/pkg/protocol"
)

// Splitter iterates a file as DataPackets. Chunks can be produced in file
// order with Next or addressed individually with Packet, which is what
// serving a ranged Order needs.
type Splitter struct {
	file      *os.File
	name      string
	size      uint64
	hashHex   string
	fileHash  [32]byte
	chunkSize uint32
	total     uint32
	next      uint32
	buf       []byte
}

// NewSplitter hashes the file and prepares chunk iteration.
func NewSplitter(path string, cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("split %s: is a directory", path)
	}

	hashHex, err := FileHash(path, SHA256, cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", path, err)
	}

	name := filepath.Base(path)
	if len(name) > protocol.MaxNameLen {
		name = name[len(name)-protocol.MaxNameLen:]
	}

	s := &Splitter{
		file:      f,
		name:      name,
		size:      uint64(info.Size()),
		hashHex:   hashHex,
		chunkSize: cfg.ChunkSize,
		total:     ChunkCount(uint64(info.Size()), cfg.ChunkSize),
		buf:       make([]byte, cfg.ChunkSize),
	}
	copy(s.fileHash[:], raw)
	return s, nil
}

// ChunkCount is the number of chunks a file of the given size splits into.
// An empty file still occupies one (empty) chunk so the transfer has a
// terminal packet.
func ChunkCount(size uint64, chunkSize uint32) uint32 {
	if size == 0 {
		return 1
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// Name returns the transferred file name (basename, bounded).
func (s *Splitter) Name() string { return s.name }

// Size returns the file size in bytes.
func (s *Splitter) Size() uint64 { return s.size }

// Total returns the chunk count.
func (s *Splitter) Total() uint32 { return s.total }

// FileHash returns the hex SHA-256 identifying this transfer.
func (s *Splitter) FileHash() string { return s.hashHex }

// Next emits the next chunk in file order, io.EOF after the last one.
func (s *Splitter) Next() (protocol.DataPacket, error) {
	if s.next >= s.total {
		return protocol.DataPacket{}, io.EOF
	}
	p, err := s.Packet(s.next)
	if err != nil {
		return protocol.DataPacket{}, err
	}
	s.next++
	return p, nil
}

// Packet reads chunk index from disk and wraps it in a labelled DataPacket.
func (s *Splitter) Packet(index uint32) (protocol.DataPacket, error) {
	if index >= s.total {
		return protocol.DataPacket{}, fmt.Errorf("chunk %d out of range (total %d)", index, s.total)
	}
	offset := uint64(index) * uint64(s.chunkSize)
	length := uint64(s.chunkSize)
	if offset+length > s.size {
		length = s.size - offset
	}

	buf := s.buf[:length]
	if length > 0 {
		if _, err := s.file.ReadAt(buf, int64(offset)); err != nil {
			return protocol.DataPacket{}, fmt.Errorf("read chunk %d: %w", index, err)
		}
	}
	payload := make([]byte, length)
	copy(payload, buf)

	return protocol.DataPacket{
		Header: protocol.ChunkHeader{
			Version:     protocol.HeaderVersion,
			FileHash:    s.fileHash,
			Name:        s.name,
			TotalChunks: s.total,
			ChunkIndex:  index,
			ChunkOffset: offset,
			ChunkLength: uint32(length),
			ChunkHash:   ChunkHash(payload),
		},
		Payload: payload,
	}, nil
}

// Close releases the file handle.
func (s *Splitter) Close() error {
	return s.file.Close()
}
