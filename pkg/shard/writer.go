package shard

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/philipp3923/rdrop/pkg/protocol"
)

// Writer reassembles a file from chunks arriving in any order. Writes are
// idempotent at the byte level; every durable chunk is recorded in the
// sidecar log before the writer acknowledges it.
type Writer struct {
	path    string
	logPath string
	file    *os.File
	log     *os.File
	hashHex string
	total   uint32
	present map[uint32]bool
	written uint64 // payload bytes accepted, duplicates excluded
}

// NewWriter opens (or creates) the target file and its sidecar log. An
// existing log is replayed so a rebound transfer continues counting from
// what is already on disk.
func NewWriter(path, fileHash string, totalChunks uint32) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", path, err)
	}
	logPath := LogPath(path)
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open log %s: %w", logPath, err)
	}

	w := &Writer{
		path:    path,
		logPath: logPath,
		file:    file,
		log:     logFile,
		hashHex: fileHash,
		total:   totalChunks,
		present: make(map[uint32]bool, totalChunks),
	}
	entries, err := ReadLog(logPath)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.Index < totalChunks && !w.present[e.Index] {
			w.present[e.Index] = true
			w.written += uint64(e.Length)
		}
	}
	return w, nil
}

// Path returns the target file path.
func (w *Writer) Path() string { return w.path }

// LogPath returns the sidecar log path.
func (w *Writer) LogPath() string { return w.logPath }

// WriteChunk verifies and persists one DataPacket. A chunk whose offset lies
// past the current end of file extends it; the gap reads as zero bytes until
// the missing chunk arrives. Duplicates rewrite the same bytes.
func (w *Writer) WriteChunk(p protocol.DataPacket) error {
	h := p.Header
	if got := hex.EncodeToString(h.FileHash[:]); got != w.hashHex {
		return fmt.Errorf("chunk belongs to %s, writer owns %s", got, w.hashHex)
	}
	if h.ChunkIndex >= w.total {
		return fmt.Errorf("chunk %d out of range (total %d)", h.ChunkIndex, w.total)
	}
	if ChunkHash(p.Payload) != h.ChunkHash {
		return fmt.Errorf("chunk %d hash mismatch", h.ChunkIndex)
	}

	if len(p.Payload) > 0 {
		if _, err := w.file.WriteAt(p.Payload, int64(h.ChunkOffset)); err != nil {
			return fmt.Errorf("write chunk %d: %w", h.ChunkIndex, err)
		}
	}

	entry := LogEntry{
		Index:  h.ChunkIndex,
		Offset: h.ChunkOffset,
		Length: h.ChunkLength,
		Hash:   hex.EncodeToString(h.ChunkHash[:]),
	}
	if _, err := w.log.WriteString(entry.line()); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	if !w.present[h.ChunkIndex] {
		w.present[h.ChunkIndex] = true
		w.written += uint64(h.ChunkLength)
	}
	return nil
}

// Received reports accepted chunk count and payload bytes.
func (w *Writer) Received() (uint32, uint64) {
	return uint32(len(w.present)), w.written
}

// Complete reports whether every chunk index has been written.
func (w *Writer) Complete() bool {
	return uint32(len(w.present)) == w.total
}

// Missing enumerates the chunk ranges still absent, for a follow-up Order.
func (w *Writer) Missing() ([]protocol.Range, error) {
	entries, err := ReadLog(w.logPath)
	if err != nil {
		return nil, err
	}
	return MissingRanges(entries, w.total), nil
}

// Verify scans the log and re-hashes the file content at each recorded
// offset, then checks the whole-file digest against the transfer identity.
func (w *Writer) Verify(bufferSize int) (bool, error) {
	if err := w.file.Sync(); err != nil {
		return false, fmt.Errorf("sync %s: %w", w.path, err)
	}
	entries, err := ReadLog(w.logPath)
	if err != nil {
		return false, err
	}
	seen := make(map[uint32]bool, w.total)
	for _, e := range entries {
		if e.Index >= w.total {
			continue
		}
		buf := make([]byte, e.Length)
		if e.Length > 0 {
			if _, err := w.file.ReadAt(buf, int64(e.Offset)); err != nil {
				return false, fmt.Errorf("verify chunk %d: %w", e.Index, err)
			}
		}
		sum := ChunkHash(buf)
		if hex.EncodeToString(sum[:]) != e.Hash {
			return false, nil
		}
		seen[e.Index] = true
	}
	if uint32(len(seen)) != w.total {
		return false, nil
	}

	full, err := FileHash(w.path, SHA256, bufferSize)
	if err != nil {
		return false, err
	}
	return full == w.hashHex, nil
}

// Close releases both file handles. The log stays on disk; the caller
// removes it once the transfer completed.
func (w *Writer) Close() error {
	err1 := w.file.Close()
	err2 := w.log.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// RemoveLog deletes the sidecar after a verified completion.
func (w *Writer) RemoveLog() error {
	return os.Remove(w.logPath)
}
