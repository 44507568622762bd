package shard

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
)

// Algorithm selects the whole-file digest. SHA-256 is the identity used on
// the wire; MD5 remains for interoperability with old sidecar tooling.
type Algorithm int

const (
	SHA256 Algorithm = iota
	MD5
)

func (a Algorithm) String() string {
	if a == MD5 {
		return "MD5"
	}
	return "SHA256"
}

func (a Algorithm) new() hash.Hash {
	if a == MD5 {
		return md5.New()
	}
	return sha256.New()
}

// FileHash streams the file through the digest with a fixed read buffer.
// Buffer size is a performance knob: big buffers mean fewer reads and more
// RAM, tiny files should use a small one.
func FileHash(path string, alg Algorithm, bufferSize int) (string, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close file", "path", path, "error", err)
		}
	}()

	h := alg.new()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSHA256 is the transfer identity hash with the default buffer.
func FileSHA256(path string) (string, error) {
	return FileHash(path, SHA256, DefaultBufferSize)
}

// ChunkHash digests a single chunk payload.
func ChunkHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}
