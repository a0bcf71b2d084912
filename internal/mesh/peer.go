package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/taskmesh/internal/protocol/frame"
	"github.com/danmuck/taskmesh/internal/protocol/schema"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/rs/zerolog"
)

var ErrPeerClosed = errors.New("mesh: peer connection closed")

// HandlerFunc handles one inbound non-response frame. It runs on the peer's
// reader goroutine and must not block on other frames from the same peer.
type HandlerFunc func(p *Peer, f frame.Frame)

// Peer is one attached connection.
type Peer struct {
	mesh      *Mesh
	conn      net.Conn
	reader    *bufio.Reader
	info      session.NodeInfo
	outbound  bool
	dialerKey string
	log       zerolog.Logger

	writeMu       sync.Mutex
	nextMessageID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan frame.Frame

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func newPeer(m *Mesh, conn net.Conn, reader *bufio.Reader, info session.NodeInfo, outbound bool) *Peer {
	dialerKey := info.Key()
	if outbound {
		dialerKey = m.self.Key()
	}
	p := &Peer{
		mesh:      m,
		conn:      conn,
		reader:    reader,
		info:      info,
		outbound:  outbound,
		dialerKey: dialerKey,
		pending:   make(map[uint64]chan frame.Frame),
		closed:    make(chan struct{}),
		log: m.log.With().
			Str("peer", info.Key()).
			Str("peer_id", info.NodeID).
			Bool("outbound", outbound).
			Logger(),
	}
	p.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return p
}

func (p *Peer) Info() session.NodeInfo { return p.info }
func (p *Peer) Key() string            { return p.info.Key() }
func (p *Peer) ID() string             { return p.info.NodeID }
func (p *Peer) Done() <-chan struct{}  { return p.closed }

// Err is the reason the connection closed, nil while open.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send writes m as a one-way frame.
func (p *Peer) Send(m session.Message) error {
	_, err := p.write(p.nextMessageID.Add(1), 0, m)
	return err
}

// Reply answers req with m under req's message id.
func (p *Peer) Reply(req frame.Frame, m session.Message) error {
	_, err := p.write(req.Header.MessageID, frame.FlagIsResponse, m)
	return err
}

// Request sends m and waits for the response frame with the same message id.
// A MsgError response is returned as a session.ErrorMessage error.
func (p *Peer) Request(ctx context.Context, m session.Message) (frame.Frame, error) {
	id := p.nextMessageID.Add(1)
	ch := make(chan frame.Frame, 1)
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return frame.Frame{}, ErrPeerClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if _, err := p.write(id, 0, m); err != nil {
		return frame.Frame{}, err
	}
	select {
	case f := <-ch:
		if f.Header.Flags&frame.FlagIsError != 0 {
			remote, err := session.DecodeError(f)
			if err != nil {
				return frame.Frame{}, err
			}
			return frame.Frame{}, remote
		}
		return f, nil
	case <-p.closed:
		return frame.Frame{}, ErrPeerClosed
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

func (p *Peer) write(id uint64, flags uint32, m session.Message) (uint64, error) {
	f, err := session.EncodeFrame(id, flags, m)
	if err != nil {
		return 0, err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.closed:
		return 0, ErrPeerClosed
	default:
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.mesh.cfg.Session.WriteTimeout))
	if err := frame.WriteFrame(p.conn, f, p.mesh.cfg.Limits); err != nil {
		p.close(fmt.Errorf("mesh: write %s: %w", schema.Name(m.MessageType()), err))
		return 0, err
	}
	return id, nil
}

// Close ends the connection.
func (p *Peer) Close() error {
	p.close(ErrPeerClosed)
	return nil
}

func (p *Peer) close(cause error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = cause
		p.mu.Unlock()
		_ = p.conn.Close()
		close(p.closed)
	})
}

// readLoop dispatches frames until the connection fails or goes silent for
// SessionDeadAfter.
func (p *Peer) readLoop() error {
	deadAfter := p.mesh.cfg.Session.SessionDeadAfter
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(deadAfter))
		f, err := frame.ReadFrame(p.reader, p.mesh.cfg.Limits)
		if err != nil {
			p.close(err)
			return err
		}
		if f.Header.IsResponse() {
			p.mu.Lock()
			ch, ok := p.pending[f.Header.MessageID]
			p.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			} else {
				p.log.Debug().Uint64("message_id", f.Header.MessageID).Msg("mesh.Peer.readLoop late response dropped")
			}
			continue
		}
		p.mesh.dispatch(p, f)
	}
}

func (p *Peer) heartbeat() {
	ticker := time.NewTicker(p.mesh.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			ping := session.Ping{NodeID: p.mesh.self.NodeID, TimestampMS: uint64(time.Now().UnixMilli())}
			if err := p.Send(ping); err != nil {
				p.log.Debug().Err(err).Msg("mesh.Peer.heartbeat send failed")
				return
			}
		}
	}
}
