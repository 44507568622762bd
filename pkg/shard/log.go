package shard

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/philipp3923/rdrop/pkg/protocol"
)

// LogSuffix is appended to the target file path to name the sidecar log.
const LogSuffix = ".rdrop.log"

// LogPath returns the sidecar path for a target file.
func LogPath(target string) string {
	return target + LogSuffix
}

var logLineRegex = regexp.MustCompile(`^index=(\d+) offset=(\d+) length=(\d+) hash=([0-9a-f]{64})$`)

// LogEntry is one durably written chunk. The log is a superset of the file
// contents: a chunk may be rewritten after a crash, producing a duplicate
// entry with identical bytes.
type LogEntry struct {
	Index  uint32
	Offset uint64
	Length uint32
	Hash   string
}

func (e LogEntry) line() string {
	return fmt.Sprintf("index=%d offset=%d length=%d hash=%s\n", e.Index, e.Offset, e.Length, e.Hash)
}

// ReadLog parses a receive log, skipping torn trailing lines (a crash during
// append must not poison recovery).
func ReadLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := logLineRegex.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		index, _ := strconv.ParseUint(m[1], 10, 32)
		offset, _ := strconv.ParseUint(m[2], 10, 64)
		length, _ := strconv.ParseUint(m[3], 10, 32)
		entries = append(entries, LogEntry{
			Index:  uint32(index),
			Offset: offset,
			Length: uint32(length),
			Hash:   m[4],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return entries, nil
}

// MissingRanges enumerates the chunk indexes absent from the log, as
// half-open ranges ready for a follow-up Order.
func MissingRanges(entries []LogEntry, total uint32) []protocol.Range {
	present := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		if e.Index < total {
			present[e.Index] = true
		}
	}

	var missing []uint32
	for i := uint32(0); i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	var ranges []protocol.Range
	for _, idx := range missing {
		if n := len(ranges); n > 0 && ranges[n-1].End == idx {
			ranges[n-1].End = idx + 1
			continue
		}
		ranges = append(ranges, protocol.Range{Start: idx, End: idx + 1})
	}
	return ranges
}
