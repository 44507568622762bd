// Package transfer owns the set of file transfers on a connection: it maps
// UI commands to protocol messages, routes inbound messages to the sharder,
// and emits coalesced state updates.
package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/philipp3923/rdrop/internal/appevents"
	"github.com/philipp3923/rdrop/pkg/client"
	"github.com/philipp3923/rdrop/pkg/protocol"
	"github.com/philipp3923/rdrop/pkg/shard"
)

// Transfer is one file record, keyed by the full-file SHA-256. Two offers
// with the same hash are the same transfer.
type Transfer struct {
	Hash     string
	Name     string
	Size     uint64
	IsSender bool
	State    State
	Percent  float64
	Path     string
	MimeType string

	splitter    *shard.Splitter
	writer      *shard.Writer
	sentChunks  uint32
	lastEmitted float64
	retried     bool
}

// Manager is the transfer orchestrator. All record mutation happens here,
// under one lock; leaf components never see the UI event sink.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	transfers map[string]*Transfer
	active    client.Client
	sender    client.Sender
	attached  bool

	events chan appevents.Event
	wg     sync.WaitGroup
}

// NewManager creates an orchestrator with no connection attached.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		transfers: make(map[string]*Transfer),
		events:    make(chan appevents.Event, cfg.EventBuffer),
	}, nil
}

// Events is the UI event stream.
func (m *Manager) Events() <-chan appevents.Event {
	return m.events
}

// Attach hands the active client to the orchestrator and starts the inbound
// dispatch loop. Exactly one client is active at a time.
func (m *Manager) Attach(c client.Client) {
	m.mu.Lock()
	m.active = c
	s, r := c.Split()
	m.sender = s
	m.attached = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.recvLoop(r)
}

// Close tears down the connection and waits for the dispatch loop.
func (m *Manager) Close() {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil {
		_ = active.Close()
	}
	m.wg.Wait()
}

// Emit forwards an event to the UI, dropping on a full queue rather than
// stalling protocol processing.
func (m *Manager) Emit(ev appevents.Event) {
	select {
	case m.events <- ev:
	default:
		slog.Warn("event queue full, dropping", "event", ev.EventName())
	}
}

// OfferFile hashes the file and announces it to the peer.
func (m *Manager) OfferFile(path string) error {
	sp, err := shard.NewSplitter(path, m.cfg.Shard)
	if err != nil {
		return err
	}

	mimeType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		mimeType = mt.String()
	}

	m.mu.Lock()
	if existing, ok := m.transfers[sp.FileHash()]; ok && !existing.State.IsTerminal() {
		m.mu.Unlock()
		_ = sp.Close()
		return fmt.Errorf("transfer %s already active", sp.FileHash())
	}
	t := &Transfer{
		Hash:     sp.FileHash(),
		Name:     sp.Name(),
		Size:     sp.Size(),
		IsSender: true,
		State:    StatePending,
		Path:     path,
		MimeType: mimeType,
		splitter: sp,
	}
	m.transfers[t.Hash] = t
	m.mu.Unlock()

	if err := m.send(protocol.Offer{Hash: t.Hash, Name: t.Name, Size: t.Size}); err != nil {
		m.mu.Lock()
		delete(m.transfers, t.Hash)
		m.mu.Unlock()
		_ = sp.Close()
		return err
	}
	m.emitFile(t)
	return nil
}

// AcceptFile answers a pending offer with a full-range Order and prepares
// the target file and its receive log.
func (m *Manager) AcceptFile(hash, path string) error {
	m.mu.Lock()
	t, ok := m.transfers[hash]
	if !ok || t.IsSender {
		m.mu.Unlock()
		return fmt.Errorf("no pending offer %s", hash)
	}
	if !t.State.CanTransitionTo(StateTransferring) {
		m.mu.Unlock()
		return fmt.Errorf("transfer %s is %s", hash, t.State)
	}
	if path == "" {
		path = filepath.Join(m.cfg.DownloadDir, filepath.Base(t.Name))
	}
	total := shard.ChunkCount(t.Size, m.cfg.Shard.ChunkSize)
	w, err := shard.NewWriter(path, hash, total)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.writer = w
	t.Path = path
	t.State = StateTransferring
	m.mu.Unlock()

	if err := m.send(protocol.Order{Hash: hash, Ranges: protocol.FullRange(total)}); err != nil {
		return err
	}
	m.emitFile(t)
	return nil
}

// DenyFile declines a pending offer; the record is dropped.
func (m *Manager) DenyFile(hash string) error {
	m.mu.Lock()
	t, ok := m.transfers[hash]
	if ok {
		t.State = StateAborted
		delete(m.transfers, hash)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no offer %s", hash)
	}
	m.emitFile(t)
	return m.send(protocol.Stop{Hash: hash})
}

// StopFile aborts a running transfer on either side.
func (m *Manager) StopFile(hash string) error {
	m.mu.Lock()
	t, ok := m.transfers[hash]
	if ok {
		m.abortLocked(t)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no transfer %s", hash)
	}
	m.emitFile(t)
	return m.send(protocol.Stop{Hash: hash})
}

// Transfers snapshots the current records for the UI.
func (m *Manager) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, *t)
	}
	return out
}

func (m *Manager) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sender
	m.mu.Unlock()
	if s == nil {
		return &client.Error{Kind: client.KindClosed, Op: "send"}
	}
	return s.Send(frame)
}

// recvLoop dispatches inbound protocol messages until the client dies.
func (m *Manager) recvLoop(r client.Receiver) {
	defer m.wg.Done()
	for {
		frame, err := r.Recv()
		if err != nil {
			m.connectionEnded(err)
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			// A malformed frame on the authenticated channel is not
			// recoverable; close and surface.
			slog.Error("protocol violation on active client", "error", err)
			m.Emit(appevents.UpdateStatus{Status: "Protocol", Description: err.Error(), Error: true})
			m.mu.Lock()
			active := m.active
			m.mu.Unlock()
			if active != nil {
				_ = active.Close()
			}
			m.connectionEnded(err)
			return
		}

		switch v := msg.(type) {
		case protocol.Offer:
			m.handleOffer(v)
		case protocol.Order:
			go m.serveOrder(v)
		case protocol.DataPacket:
			m.handleData(v)
		case protocol.Stop:
			m.handleStop(v)
		}
	}
}

// connectionEnded aborts every live transfer and drops the records; the
// user-facing signal is a single disconnected event.
func (m *Manager) connectionEnded(cause error) {
	if errors.Is(cause, client.ErrSecurity) {
		m.Emit(appevents.UpdateStatus{Status: "Security", Description: "peer failed authentication", Error: true})
	}
	m.mu.Lock()
	aborted := make([]*Transfer, 0, len(m.transfers))
	for hash, t := range m.transfers {
		if !t.State.IsTerminal() {
			m.abortLocked(t)
			aborted = append(aborted, t)
		}
		delete(m.transfers, hash)
	}
	m.attached = false
	m.sender = nil
	m.active = nil
	m.mu.Unlock()

	for _, t := range aborted {
		m.emitFile(t)
	}
	m.Emit(appevents.Disconnected{})
}

// abortLocked finalizes a record as aborted and releases its file handles.
func (m *Manager) abortLocked(t *Transfer) {
	if t.State.CanTransitionTo(StateAborted) {
		t.State = StateAborted
	}
	m.releaseLocked(t)
}

func (m *Manager) releaseLocked(t *Transfer) {
	if t.splitter != nil {
		_ = t.splitter.Close()
		t.splitter = nil
	}
	if t.writer != nil {
		_ = t.writer.Close()
		t.writer = nil
	}
}

func (m *Manager) handleOffer(o protocol.Offer) {
	m.mu.Lock()
	if existing, ok := m.transfers[o.Hash]; ok && !existing.State.IsTerminal() {
		m.mu.Unlock()
		slog.Info("duplicate offer ignored", "hash", o.Hash)
		return
	}
	t := &Transfer{
		Hash:     o.Hash,
		Name:     filepath.Base(o.Name),
		Size:     o.Size,
		IsSender: false,
		State:    StatePending,
	}
	m.transfers[o.Hash] = t
	m.mu.Unlock()

	slog.Info("offer received", "hash", o.Hash, "name", t.Name, "size", o.Size)
	m.emitFile(t)
}

// serveOrder streams the requested chunk ranges. It runs outside the
// dispatch loop so inbound Stop messages can interrupt it.
func (m *Manager) serveOrder(o protocol.Order) {
	m.mu.Lock()
	t, ok := m.transfers[o.Hash]
	if !ok || !t.IsSender || t.splitter == nil {
		m.mu.Unlock()
		slog.Warn("order for unknown file", "hash", o.Hash)
		return
	}
	if t.State == StatePending {
		t.State = StateTransferring
	}
	sp := t.splitter
	total := sp.Total()
	m.mu.Unlock()
	m.emitFile(t)

	servedLast := false
	for _, rg := range o.Ranges {
		for idx := rg.Start; idx < rg.End && idx < total; idx++ {
			m.mu.Lock()
			state := t.State
			m.mu.Unlock()
			// a completed sender still serves follow-up orders for gaps
			if state != StateTransferring && state != StateCompleted {
				return
			}

			packet, err := sp.Packet(idx)
			if err != nil {
				// Disk failure while reading: abort, connection stays up.
				slog.Error("chunk read failed", "hash", o.Hash, "chunk", idx, "error", err)
				m.mu.Lock()
				m.abortLocked(t)
				m.mu.Unlock()
				m.emitFile(t)
				_ = m.send(protocol.Stop{Hash: o.Hash})
				return
			}
			if err := m.sendData(packet); err != nil {
				slog.Warn("chunk send failed", "hash", o.Hash, "chunk", idx, "error", err)
				m.mu.Lock()
				m.abortLocked(t)
				m.mu.Unlock()
				m.emitFile(t)
				return
			}

			m.mu.Lock()
			t.sentChunks++
			t.Percent = float64(t.sentChunks) / float64(total) * 100
			if t.Percent > 100 {
				t.Percent = 100
			}
			m.mu.Unlock()
			m.emitProgress(t)
			if idx == total-1 {
				servedLast = true
			}
		}
	}

	if servedLast {
		m.mu.Lock()
		if t.State.CanTransitionTo(StateCompleted) {
			t.State = StateCompleted
			t.Percent = 100
		}
		// the splitter stays open: the receiver may still order the
		// chunks a lossy pass left behind
		m.mu.Unlock()
		m.emitFile(t)
	}
}

func (m *Manager) sendData(p protocol.DataPacket) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sender
	m.mu.Unlock()
	if s == nil {
		return &client.Error{Kind: client.KindClosed, Op: "send"}
	}
	return s.Send(frame)
}

func (m *Manager) handleData(p protocol.DataPacket) {
	hash := hex.EncodeToString(p.Header.FileHash[:])
	m.mu.Lock()
	t, ok := m.transfers[hash]
	if !ok || t.IsSender || t.writer == nil || t.State != StateTransferring {
		m.mu.Unlock()
		slog.Debug("stray data packet", "hash", hash)
		return
	}
	w := t.writer

	if err := w.WriteChunk(p); err != nil {
		// Disk failure while writing: the record is corrupted, the
		// connection survives.
		slog.Error("chunk write failed", "hash", hash, "chunk", p.Header.ChunkIndex, "error", err)
		if t.State.CanTransitionTo(StateCorrupted) {
			t.State = StateCorrupted
		}
		m.releaseLocked(t)
		m.mu.Unlock()
		m.emitFile(t)
		return
	}

	_, bytes := w.Received()
	if t.Size > 0 {
		t.Percent = float64(bytes) / float64(t.Size) * 100
	} else {
		t.Percent = 100
	}

	complete := w.Complete()
	last := p.Header.ChunkIndex == p.Header.TotalChunks-1
	m.mu.Unlock()

	switch {
	case complete:
		m.finishReceive(t)
	case last:
		m.requestMissing(t)
	default:
		m.emitProgress(t)
	}
}

// finishReceive verifies the reassembled file against the transfer identity.
func (m *Manager) finishReceive(t *Transfer) {
	m.mu.Lock()
	w := t.writer
	m.mu.Unlock()
	if w == nil {
		return
	}
	ok, err := w.Verify(m.cfg.Shard.BufferSize)
	m.mu.Lock()
	switch {
	case err != nil:
		slog.Error("verification failed", "hash", t.Hash, "error", err)
		if t.State.CanTransitionTo(StateCorrupted) {
			t.State = StateCorrupted
		}
	case !ok:
		slog.Error("hash mismatch after reassembly", "hash", t.Hash)
		if t.State.CanTransitionTo(StateCorrupted) {
			t.State = StateCorrupted
		}
	default:
		if t.State.CanTransitionTo(StateCompleted) {
			t.State = StateCompleted
			t.Percent = 100
		}
	}
	if t.State == StateCompleted {
		_ = w.RemoveLog()
	}
	m.releaseLocked(t)
	m.mu.Unlock()
	m.emitFile(t)
}

// requestMissing issues the single follow-up Order for gaps left after the
// final chunk arrived. A second incomplete pass corrupts the record.
func (m *Manager) requestMissing(t *Transfer) {
	m.mu.Lock()
	if t.retried {
		slog.Error("gaps remain after retry", "hash", t.Hash)
		if t.State.CanTransitionTo(StateCorrupted) {
			t.State = StateCorrupted
		}
		m.releaseLocked(t)
		m.mu.Unlock()
		m.emitFile(t)
		return
	}
	t.retried = true
	w := t.writer
	m.mu.Unlock()
	if w == nil {
		return
	}
	missing, err := w.Missing()
	if err != nil || len(missing) == 0 {
		slog.Error("cannot enumerate gaps", "hash", t.Hash, "error", err)
		return
	}
	slog.Info("requesting missing chunks", "hash", t.Hash, "ranges", len(missing))
	_ = m.send(protocol.Order{Hash: t.Hash, Ranges: missing})
}

func (m *Manager) handleStop(s protocol.Stop) {
	m.mu.Lock()
	t, ok := m.transfers[s.Hash]
	if ok {
		m.abortLocked(t)
	}
	m.mu.Unlock()
	if ok {
		slog.Info("transfer stopped by peer", "hash", s.Hash)
		m.emitFile(t)
	}
}

// emitFile always emits (state changes are never coalesced away).
func (m *Manager) emitFile(t *Transfer) {
	m.mu.Lock()
	ev := m.fileUpdateLocked(t)
	t.lastEmitted = t.Percent
	m.mu.Unlock()
	m.Emit(ev)
}

// emitProgress coalesces bare progress ticks.
func (m *Manager) emitProgress(t *Transfer) {
	m.mu.Lock()
	if t.Percent-t.lastEmitted < m.cfg.CoalescePercent && t.Percent < 100 {
		m.mu.Unlock()
		return
	}
	ev := m.fileUpdateLocked(t)
	t.lastEmitted = t.Percent
	m.mu.Unlock()
	m.Emit(ev)
}

func (m *Manager) fileUpdateLocked(t *Transfer) appevents.FileUpdate {
	return appevents.FileUpdate{
		Hash:     t.Hash,
		Name:     t.Name,
		Size:     t.Size,
		State:    t.State.String(),
		Percent:  t.Percent,
		IsSender: t.IsSender,
		Path:     t.Path,
		MimeType: t.MimeType,
	}
}
