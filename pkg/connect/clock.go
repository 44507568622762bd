package connect

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"time"

	"github.com/philipp3923/rdrop/pkg/client"
)

// DefaultClockRounds is the number of round-trip samples taken per sync.
const DefaultClockRounds = 16

// clockDone is the round marker telling the responder to stop echoing.
const (
	clockMore byte = 0x01
	clockDone byte = 0x00
)

// SyncClocks measures the peer clock offset over the encrypted channel with
// an NTP-style exchange. The initiator samples; the responder echoes. The
// final offset is the median of the per-round offsets, so a single delayed
// round does not skew the result. A strongly asymmetric path surfaces as
// ClockUnsync and the offset stays unset.
func (s *SecureConnection) SyncClocks(rounds int) error {
	if rounds <= 0 {
		rounds = DefaultClockRounds
	}
	if s.role == Responder {
		return s.serveClockSync()
	}

	offsets := make([]time.Duration, 0, rounds)
	rtts := make([]time.Duration, 0, rounds)

	for i := 0; i < rounds; i++ {
		marker := clockMore
		if i == rounds-1 {
			marker = clockDone
		}
		t0 := time.Now()
		msg := make([]byte, 9)
		msg[0] = marker
		binary.BigEndian.PutUint64(msg[1:], uint64(t0.UnixNano()))
		if err := s.active.Send(msg); err != nil {
			return err
		}
		echo, err := s.active.RecvTimeout(s.cfg.SendBudget)
		if err != nil {
			return err
		}
		t3 := time.Now()
		if len(echo) != 16 {
			return &client.Error{Kind: client.KindProtocol, Op: "clock sync"}
		}
		t1 := time.Unix(0, int64(binary.BigEndian.Uint64(echo[:8])))
		t2 := time.Unix(0, int64(binary.BigEndian.Uint64(echo[8:])))

		offsets = append(offsets, (t1.Sub(t0)+t2.Sub(t3))/2)
		rtts = append(rtts, t3.Sub(t0)-t2.Sub(t1))
	}

	offset := medianDuration(offsets)
	rtt := medianDuration(rtts)

	// Asymmetry guard: when the offset samples spread wider than the
	// typical round trip, one direction dominates the path and the
	// midpoint estimate is not trustworthy.
	if spread := interquartile(offsets); rtt > 0 && spread > rtt {
		slog.Warn("clock sync rejected", "conn", s.id, "spread", spread, "rtt", rtt)
		return &client.Error{Kind: client.KindClockUnsync, Op: "clock sync"}
	}

	s.offset = offset
	s.synced = true
	slog.Info("clocks synced", "conn", s.id, "offset", offset, "rtt", rtt)
	return nil
}

// serveClockSync echoes receive and transmit timestamps until the peer
// signals the final round.
func (s *SecureConnection) serveClockSync() error {
	for {
		req, err := s.active.RecvTimeout(s.cfg.SendBudget)
		if err != nil {
			return err
		}
		t1 := time.Now()
		if len(req) != 9 {
			return &client.Error{Kind: client.KindProtocol, Op: "clock sync"}
		}
		echo := make([]byte, 16)
		binary.BigEndian.PutUint64(echo[:8], uint64(t1.UnixNano()))
		binary.BigEndian.PutUint64(echo[8:], uint64(time.Now().UnixNano()))
		if err := s.active.Send(echo); err != nil {
			return err
		}
		if req[0] == clockDone {
			// The responder cannot verify symmetry; it simply trusts
			// the initiator's verdict, which arrives with the upgrade.
			s.synced = true
			return nil
		}
	}
}

// SyncClocksExternal skips the round-trip sampling: both peers query the
// configured time source and exchange their own true-time offsets. The
// peer offset is then the difference of the two.
func (s *SecureConnection) SyncClocksExternal(src TimeSource) error {
	trueNow, err := src.Now()
	if err != nil {
		return &client.Error{Kind: client.KindClockUnsync, Op: "time source", Err: err}
	}
	own := trueNow.Sub(time.Now()) // true minus local

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(own.Nanoseconds()))
	if err := s.active.Send(buf[:]); err != nil {
		return err
	}
	raw, err := s.active.RecvTimeout(s.cfg.SendBudget)
	if err != nil {
		return err
	}
	if len(raw) != 8 {
		return &client.Error{Kind: client.KindProtocol, Op: "clock sync"}
	}
	peerOwn := time.Duration(int64(binary.BigEndian.Uint64(raw)))

	// peer_local - local = own_offset - peer_offset
	s.offset = own - peerOwn
	s.synced = true
	slog.Info("clocks synced via external source", "conn", s.id, "offset", s.offset)
	return nil
}

func medianDuration(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// interquartile is the spread between the 25th and 75th percentile samples.
func interquartile(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n < 4 {
		return 0
	}
	return sorted[(3*n)/4] - sorted[n/4]
}
