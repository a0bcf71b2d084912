// Package snapshot replicates a task workspace across the mesh as a
// compressed archive.
//
// A node holding a workspace offers it to each peer. The receiver answers
// have, need or newer; on need the sender streams ordered chunks and a done
// frame carrying the sha256, and the receiver verifies, installs, extracts
// and acknowledges with the byte count it stored.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/events"
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/mesh"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/protocol/frame"
	"github.com/danmuck/taskmesh/internal/protocol/schema"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSyncTransferFailure = errors.New("snapshot: sync transfer failure")
	errPeerGone            = errors.New("snapshot: peer not connected")
)

const (
	statusBusy       = "busy"
	DefaultChunkSize = 256 * 1024
)

// Manifest is what a receiver needs to start the synchronized task set.
type Manifest struct {
	BaseFolder string            `json:"base_folder"`
	TaskFolder string            `json:"task_folder"`
	Instances  int               `json:"instances"`
	Env        map[string]string `json:"env,omitempty"`
}

// Workspace is the archive this node currently offers.
type Workspace struct {
	Archive  Archive  `json:"archive"`
	Manifest Manifest `json:"manifest"`
}

// StartFunc starts the task set described by m after a successful receive.
type StartFunc func(ctx context.Context, m Manifest) error

type Config struct {
	NodeName string
	// WorkspacePath is the base folder received archives extract into.
	WorkspacePath string
	ChunkSize     int
	MaxRetries    int
	AutoStart     bool
	Session       session.Config
}

type Synchronizer struct {
	cfg      Config
	mesh     *mesh.Mesh
	bus      *events.Bus
	packager *Packager
	start    StartFunc
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	inbound chan struct{}

	mu        sync.Mutex
	local     *Workspace
	pushing   map[string]bool
	again     map[string]bool
	transfers map[string]*transfer
	closed    bool
}

// New wires a synchronizer into m's frame routing and peer notifications.
func New(cfg Config, m *mesh.Mesh, bus *events.Bus, packager *Packager, start StartFunc) *Synchronizer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Session = cfg.Session.WithDefaults()
	if bus == nil {
		bus = events.NewBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		cfg:       cfg,
		mesh:      m,
		bus:       bus,
		packager:  packager,
		start:     start,
		log:       logging.Component("snapshot").With().Str("node", cfg.NodeName).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		inbound:   make(chan struct{}, 1),
		pushing:   make(map[string]bool),
		again:     make(map[string]bool),
		transfers: make(map[string]*transfer),
	}
	m.Handle(schema.MsgSyncOffer, s.handleOffer)
	m.Handle(schema.MsgSyncChunk, s.handleChunk)
	m.Handle(schema.MsgSyncDone, s.handleDone)
	m.Observe(s)
	return s
}

// Local returns the workspace this node offers, if any.
func (s *Synchronizer) Local() (Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return Workspace{}, false
	}
	return *s.local, true
}

// Publish makes ws the offered workspace, clears every peer's synchronized
// flag and pushes to all connected peers. Transfer failures are retried in
// the background and never returned.
func (s *Synchronizer) Publish(ws Workspace) {
	s.mu.Lock()
	s.local = &ws
	s.mesh.Registry().ResetAll()
	s.mu.Unlock()
	s.log.Info().
		Str("version", ws.Archive.Version).
		Int64("size", ws.Archive.Size).
		Str("task_folder", ws.Manifest.TaskFolder).
		Msg("snapshot.Synchronizer.Publish")
	for _, key := range s.mesh.Registry().Keys() {
		s.schedule(key)
	}
}

func (s *Synchronizer) PeerJoined(p *mesh.Peer) {
	if _, ok := s.Local(); ok {
		s.schedule(p.Key())
	}
}

func (s *Synchronizer) PeerLeft(rec mesh.HostRecord) {
	s.mu.Lock()
	var stale []*transfer
	for id, t := range s.transfers {
		if t.peerKey == rec.Key() {
			stale = append(stale, t)
			delete(s.transfers, id)
		}
	}
	s.mu.Unlock()
	for _, t := range stale {
		t.abort(s, "peer left")
	}
}

// schedule runs a push to key, coalescing requests while one is running.
func (s *Synchronizer) schedule(key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pushing[key] {
		s.again[key] = true
		s.mu.Unlock()
		return
	}
	s.pushing[key] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			s.pushWithRetry(key)
			s.mu.Lock()
			if !s.again[key] || s.closed {
				delete(s.pushing, key)
				delete(s.again, key)
				s.mu.Unlock()
				return
			}
			delete(s.again, key)
			s.mu.Unlock()
		}
	}()
}

func (s *Synchronizer) pushWithRetry(key string) {
	logger := s.log.With().Str("peer", key).Logger()
	for attempt := 1; ; attempt++ {
		err := s.push(s.ctx, key)
		if err == nil {
			return
		}
		if errors.Is(err, errPeerGone) || s.ctx.Err() != nil {
			logger.Debug().Err(err).Msg("snapshot.Synchronizer.push abandoned")
			return
		}
		observability.RecordSnapshotTransfer(s.cfg.NodeName, "outbound", "failed", 0)
		if attempt > s.cfg.MaxRetries {
			logger.Warn().Err(err).Int("attempts", attempt).Msg("snapshot.Synchronizer.push gave up")
			return
		}
		s.rngMu.Lock()
		delay := session.NextBackoffDelay(s.cfg.Session.Backoff, attempt, s.rng)
		s.rngMu.Unlock()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("snapshot.Synchronizer.push failed")
		if err := linger.Sleep(s.ctx, delay); err != nil {
			return
		}
	}
}

// push offers the local workspace to key once.
func (s *Synchronizer) push(ctx context.Context, key string) error {
	ws, ok := s.Local()
	if !ok {
		return nil
	}
	p, ok := s.mesh.Peer(key)
	if !ok {
		return errPeerGone
	}
	f, err := os.Open(ws.Archive.Path)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", ErrSyncTransferFailure, err)
	}
	defer f.Close()

	transferID := uuid.NewString()
	logger := s.log.With().Str("peer", key).Str("transfer_id", transferID).Logger()
	offer := session.SyncOffer{
		TransferID: transferID,
		Version:    ws.Archive.Version,
		Size:       uint64(ws.Archive.Size),
		Stamp:      uint64(ws.Archive.Stamp),
		TaskFolder: ws.Manifest.TaskFolder,
		Instances:  uint32(ws.Manifest.Instances),
		Env:        ws.Manifest.Env,
	}
	reply, err := s.request(ctx, p, offer)
	if err != nil {
		return err
	}
	status, err := session.DecodeSyncReply(reply)
	if err != nil {
		return err
	}
	switch status.Status {
	case session.SyncHave:
		logger.Debug().Msg("snapshot.Synchronizer.push peer already has archive")
		s.markSynchronized(p, ws)
		return nil
	case session.SyncNewer:
		logger.Info().Msg("snapshot.Synchronizer.push peer holds a newer workspace")
		return nil
	case session.SyncNeed:
	case statusBusy:
		return fmt.Errorf("%w: receiver busy", ErrSyncTransferFailure)
	default:
		return fmt.Errorf("%w: unexpected reply %q", ErrSyncTransferFailure, status.Status)
	}

	sum := sha256.New()
	buf := make([]byte, s.cfg.ChunkSize)
	var offset uint64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
			chunk := session.SyncChunk{TransferID: transferID, Offset: offset, Data: buf[:n]}
			if err := p.Send(chunk); err != nil {
				return fmt.Errorf("%w: send chunk: %v", ErrSyncTransferFailure, err)
			}
			offset += uint64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read archive: %v", ErrSyncTransferFailure, readErr)
		}
	}

	done := session.SyncDone{TransferID: transferID, Size: offset, Digest: hex.EncodeToString(sum.Sum(nil))}
	resp, err := s.request(ctx, p, done)
	if err != nil {
		return err
	}
	ack, err := session.DecodeSyncAck(resp)
	if err != nil {
		return err
	}
	if ack.Status != session.SyncAckOK {
		return fmt.Errorf("%w: receiver failed: %s", ErrSyncTransferFailure, ack.Message)
	}
	if ack.Size != uint64(ws.Archive.Size) {
		return fmt.Errorf("%w: acknowledged %d bytes, archive has %d", ErrSyncTransferFailure, ack.Size, ws.Archive.Size)
	}
	observability.RecordSnapshotTransfer(s.cfg.NodeName, "outbound", "ok", ws.Archive.Size)
	logger.Info().Int64("size", ws.Archive.Size).Msg("snapshot.Synchronizer.push complete")
	s.markSynchronized(p, ws)
	return nil
}

func (s *Synchronizer) request(ctx context.Context, p *mesh.Peer, m session.Message) (frame.Frame, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.AckTimeout)
	defer cancel()
	f, err := p.Request(reqCtx, m)
	if err != nil {
		if errors.Is(err, mesh.ErrPeerClosed) {
			return frame.Frame{}, fmt.Errorf("%w: %v", errPeerGone, err)
		}
		return frame.Frame{}, fmt.Errorf("%w: %s: %v", ErrSyncTransferFailure, schema.Name(m.MessageType()), err)
	}
	return f, nil
}

// markSynchronized flags p only while ws is still the offered workspace.
// Holds s.mu so it cannot interleave with Publish.
func (s *Synchronizer) markSynchronized(p *mesh.Peer, ws Workspace) bool {
	s.mu.Lock()
	current := s.local != nil && s.local.Archive.Version == ws.Archive.Version
	marked := current && s.mesh.Registry().MarkSynchronized(p.Key())
	s.mu.Unlock()
	if !current {
		s.log.Debug().
			Str("peer", p.Key()).
			Str("version", ws.Archive.Version).
			Msg("snapshot.Synchronizer acknowledged archive superseded")
		return false
	}
	if marked {
		s.bus.Publish(events.PeerSynchronized{PeerID: p.ID(), File: ws.Archive.Path})
	}
	return marked
}

// transfer is one inbound archive being received.
type transfer struct {
	id      string
	peerKey string
	offer   session.SyncOffer
	file    *os.File
	sum     hash.Hash
	written uint64
	failure string
	idle    *time.Timer
	once    sync.Once
}

func (t *transfer) release(s *Synchronizer) {
	t.once.Do(func() {
		t.idle.Stop()
		_ = t.file.Close()
		_ = os.Remove(t.file.Name())
		<-s.inbound
	})
}

func (t *transfer) abort(s *Synchronizer, reason string) {
	s.log.Warn().Str("transfer_id", t.id).Str("peer", t.peerKey).Str("reason", reason).Msg("snapshot.Synchronizer transfer aborted")
	observability.RecordSnapshotTransfer(s.cfg.NodeName, "inbound", "aborted", 0)
	t.release(s)
}

func (s *Synchronizer) handleOffer(p *mesh.Peer, f frame.Frame) {
	offer, err := session.DecodeSyncOffer(f)
	if err != nil {
		_ = p.Reply(f, session.ErrorMessage{Code: "invalid", Message: err.Error()})
		return
	}
	s.track(func() {
		status := s.answerOffer(p, offer)
		if err := p.Reply(f, session.SyncReply{TransferID: offer.TransferID, Status: status}); err != nil {
			s.log.Debug().Err(err).Str("peer", p.Key()).Msg("snapshot.Synchronizer.handleOffer reply failed")
			s.mu.Lock()
			t := s.transfers[offer.TransferID]
			delete(s.transfers, offer.TransferID)
			s.mu.Unlock()
			if t != nil {
				t.release(s)
			}
		}
	})
}

// answerOffer decides have, newer, busy or need. need reserves the inbound
// slot and opens a temp file for the transfer.
func (s *Synchronizer) answerOffer(p *mesh.Peer, offer session.SyncOffer) string {
	logger := s.log.With().Str("peer", p.Key()).Str("transfer_id", offer.TransferID).Logger()
	if s.packager.Holds(offer.Version, int64(offer.Size)) {
		return session.SyncHave
	}
	if ws, ok := s.Local(); ok && ws.Archive.Stamp > int64(offer.Stamp) {
		logger.Info().Int64("local_stamp", ws.Archive.Stamp).Uint64("offer_stamp", offer.Stamp).Msg("snapshot.Synchronizer local workspace is newer")
		s.schedule(p.Key())
		return session.SyncNewer
	}

	wait := time.NewTimer(s.cfg.Session.AckTimeout / 2)
	defer wait.Stop()
	select {
	case s.inbound <- struct{}{}:
	case <-wait.C:
		return statusBusy
	case <-s.ctx.Done():
		return statusBusy
	}
	// another transfer may have installed this version while we waited
	if s.packager.Holds(offer.Version, int64(offer.Size)) {
		<-s.inbound
		return session.SyncHave
	}

	dir := filepath.Dir(s.packager.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		<-s.inbound
		logger.Error().Err(err).Msg("snapshot.Synchronizer archive dir")
		return statusBusy
	}
	file, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		<-s.inbound
		logger.Error().Err(err).Msg("snapshot.Synchronizer temp file")
		return statusBusy
	}
	t := &transfer{
		id:      offer.TransferID,
		peerKey: p.Key(),
		offer:   offer,
		file:    file,
		sum:     sha256.New(),
	}
	t.idle = time.AfterFunc(s.cfg.Session.AckTimeout, func() {
		s.mu.Lock()
		current := s.transfers[t.id]
		if current == t {
			delete(s.transfers, t.id)
		}
		s.mu.Unlock()
		if current == t {
			t.abort(s, "idle timeout")
		}
	})
	s.mu.Lock()
	s.transfers[t.id] = t
	s.mu.Unlock()
	logger.Info().Str("version", offer.Version).Uint64("size", offer.Size).Msg("snapshot.Synchronizer receiving")
	return session.SyncNeed
}

func (s *Synchronizer) handleChunk(p *mesh.Peer, f frame.Frame) {
	chunk, err := session.DecodeSyncChunk(f)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", p.Key()).Msg("snapshot.Synchronizer.handleChunk decode")
		return
	}
	s.mu.Lock()
	t := s.transfers[chunk.TransferID]
	s.mu.Unlock()
	if t == nil || t.peerKey != p.Key() || t.failure != "" {
		return
	}
	t.idle.Reset(s.cfg.Session.AckTimeout)
	if chunk.Offset != t.written {
		t.failure = fmt.Sprintf("chunk offset %d, expected %d", chunk.Offset, t.written)
		return
	}
	if _, err := t.file.Write(chunk.Data); err != nil {
		t.failure = err.Error()
		return
	}
	t.sum.Write(chunk.Data)
	t.written += uint64(len(chunk.Data))
}

func (s *Synchronizer) handleDone(p *mesh.Peer, f frame.Frame) {
	done, err := session.DecodeSyncDone(f)
	if err != nil {
		_ = p.Reply(f, session.ErrorMessage{Code: "invalid", Message: err.Error()})
		return
	}
	s.mu.Lock()
	t := s.transfers[done.TransferID]
	if t != nil && t.peerKey == p.Key() {
		delete(s.transfers, done.TransferID)
	} else {
		t = nil
	}
	s.mu.Unlock()
	if t == nil {
		_ = p.Reply(f, session.SyncAck{TransferID: done.TransferID, Status: session.SyncAckFailed, Message: "unknown transfer"})
		return
	}
	t.idle.Stop()

	started := s.track(func() {
		ack, installed := s.finish(t, done)
		if err := p.Reply(f, ack); err != nil {
			s.log.Debug().Err(err).Str("peer", p.Key()).Msg("snapshot.Synchronizer.handleDone reply failed")
		}
		if installed == nil {
			return
		}
		s.bus.Publish(events.FilesSynchronized{File: installed.Archive.Path, Version: installed.Archive.Version})
		if s.cfg.AutoStart && s.start != nil {
			if err := s.start(s.ctx, installed.Manifest); err != nil {
				s.log.Error().Err(err).Msg("snapshot.Synchronizer auto start failed")
			}
		}
	})
	if !started {
		t.release(s)
	}
}

// track runs fn on a goroutine Close waits for. It reports false once the
// synchronizer is closed.
func (s *Synchronizer) track(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// finish verifies, installs and extracts a completed transfer.
func (s *Synchronizer) finish(t *transfer, done session.SyncDone) (session.SyncAck, *Workspace) {
	defer t.release(s)
	fail := func(reason string) (session.SyncAck, *Workspace) {
		s.log.Warn().Str("transfer_id", t.id).Str("peer", t.peerKey).Str("reason", reason).Msg("snapshot.Synchronizer receive failed")
		observability.RecordSnapshotTransfer(s.cfg.NodeName, "inbound", "failed", 0)
		return session.SyncAck{TransferID: t.id, Status: session.SyncAckFailed, Size: t.written, Message: reason}, nil
	}
	if t.failure != "" {
		return fail(t.failure)
	}
	if t.written != done.Size || t.written != t.offer.Size {
		return fail(fmt.Sprintf("size mismatch: received %d, done %d, offered %d", t.written, done.Size, t.offer.Size))
	}
	digest := hex.EncodeToString(t.sum.Sum(nil))
	if digest != done.Digest || digest != t.offer.Version {
		return fail("digest mismatch")
	}
	if err := t.file.Sync(); err != nil {
		return fail(err.Error())
	}
	if err := t.file.Close(); err != nil {
		return fail(err.Error())
	}

	if err := Extract(t.file.Name(), s.cfg.WorkspacePath, t.offer.TaskFolder); err != nil {
		return fail(err.Error())
	}
	installed, err := s.packager.Adopt(t.file.Name(), Archive{
		Version:    digest,
		Size:       int64(t.written),
		Stamp:      int64(t.offer.Stamp),
		TaskFolder: t.offer.TaskFolder,
	})
	if err != nil {
		return fail(err.Error())
	}
	ws := Workspace{
		Archive: installed,
		Manifest: Manifest{
			BaseFolder: s.cfg.WorkspacePath,
			TaskFolder: t.offer.TaskFolder,
			Instances:  int(t.offer.Instances),
			Env:        t.offer.Env,
		},
	}
	s.mu.Lock()
	s.local = &ws
	s.mu.Unlock()

	observability.RecordSnapshotTransfer(s.cfg.NodeName, "inbound", "ok", installed.Size)
	s.log.Info().Str("version", installed.Version).Int64("size", installed.Size).Str("peer", t.peerKey).Msg("snapshot.Synchronizer received")
	return session.SyncAck{TransferID: t.id, Status: session.SyncAckOK, Size: uint64(installed.Size)}, &ws
}

// Close stops pushes and aborts inbound transfers.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*transfer, 0, len(s.transfers))
	for id, t := range s.transfers {
		pending = append(pending, t)
		delete(s.transfers, id)
	}
	s.mu.Unlock()
	s.cancel()
	for _, t := range pending {
		t.release(s)
	}
	s.wg.Wait()
	return nil
}
