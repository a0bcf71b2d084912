// Package mesh discovers and maintains peer connections inside a namespace.
//
// Peers share the node's API port: a dialer sends "GET /mesh" with
// "Upgrade: taskmesh/1", the acceptor answers 101 and both sides switch to a
// JSON-line hello exchange followed by framed TLV messages.
package mesh

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/events"
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/protocol/frame"
	"github.com/danmuck/taskmesh/internal/protocol/schema"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/dogmatiq/linger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	UpgradePath     = "/mesh"
	UpgradeProtocol = "taskmesh/1"
)

var (
	ErrSelfConnection      = errors.New("mesh: connection to self")
	ErrDuplicateConnection = errors.New("mesh: duplicate connection")
	ErrHandshakeRejected   = errors.New("mesh: handshake rejected")
	ErrUpgradeFailed       = errors.New("mesh: upgrade failed")
	ErrClosed              = errors.New("mesh: closed")
	ErrInvalidConfig       = errors.New("mesh: invalid config")
)

var errReplaced = errors.New("mesh: connection replaced")

type Config struct {
	Namespace Namespace
	Self      session.NodeInfo
	Session   session.Config
	Limits    frame.Limits
	// Seeds are rendezvous addresses dialed until connected and redialed
	// whenever that connection drops.
	Seeds  []string
	Beacon BeaconConfig
}

// Observer is notified when a peer key joins or leaves. Calls happen on
// connection goroutines and must return promptly.
type Observer interface {
	PeerJoined(p *Peer)
	PeerLeft(rec HostRecord)
}

type Mesh struct {
	cfg      Config
	self     session.NodeInfo
	registry *Registry
	bus      *events.Bus
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	peers     map[string]*Peer
	dialing   map[string]bool
	handlers  map[uint32]HandlerFunc
	observers []Observer
	beacon    *Beacon
	closed    bool
}

func New(cfg Config, bus *events.Bus) (*Mesh, error) {
	if strings.TrimSpace(string(cfg.Namespace)) == "" {
		return nil, fmt.Errorf("%w: namespace required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Self.NodeID) == "" || strings.TrimSpace(cfg.Self.PublicAddress) == "" {
		return nil, fmt.Errorf("%w: node id and public address required", ErrInvalidConfig)
	}
	if cfg.Self.APIPort <= 0 || cfg.Self.APIPort > 65535 {
		return nil, fmt.Errorf("%w: api port %d", ErrInvalidConfig, cfg.Self.APIPort)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		cfg:      cfg,
		self:     cfg.Self,
		registry: NewRegistry(),
		bus:      bus,
		log: logging.Component("mesh").With().
			Str("namespace", string(cfg.Namespace)).
			Str("node", cfg.Self.Key()).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		peers:    make(map[string]*Peer),
		dialing:  make(map[string]bool),
		handlers: make(map[uint32]HandlerFunc),
	}, nil
}

func (m *Mesh) Self() session.NodeInfo { return m.self }
func (m *Mesh) Namespace() Namespace   { return m.cfg.Namespace }
func (m *Mesh) Registry() *Registry    { return m.registry }

// Handle routes inbound frames of msgType to fn.
func (m *Mesh) Handle(msgType uint32, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = fn
}

func (m *Mesh) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Peer returns the live connection for key.
func (m *Mesh) Peer(key string) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[key]
	return p, ok
}

// Peers returns live connections ordered by key.
func (m *Mesh) Peers() []*Peer {
	m.mu.Lock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Run dials seeds and runs the beacon until ctx ends.
func (m *Mesh) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range m.cfg.Seeds {
		seed := strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		g.Go(func() error {
			m.runSeed(gctx, seed)
			return nil
		})
	}
	if m.cfg.Beacon.Enabled {
		b, err := NewBeacon(m.cfg.Beacon, m.cfg.Namespace, m.self)
		if err != nil {
			return err
		}
		if err := b.Bind(); err != nil {
			return err
		}
		m.mu.Lock()
		m.beacon = b
		m.mu.Unlock()
		g.Go(func() error {
			return b.Run(gctx, m.dialAsync)
		})
	}
	<-ctx.Done()
	return g.Wait()
}

// BeaconAddr is the bound beacon listener, empty until Run bound it.
func (m *Mesh) BeaconAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beacon == nil {
		return ""
	}
	return m.beacon.LocalAddr()
}

func (m *Mesh) runSeed(ctx context.Context, addr string) {
	logger := m.log.With().Str("seed", addr).Logger()
	attempt := 0
	var seedKey string
	for ctx.Err() == nil {
		if p, ok := m.Peer(seedKey); ok && seedKey != "" {
			attempt = 0
			select {
			case <-p.Done():
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt++
		p, err := m.Dial(ctx, addr)
		switch {
		case err == nil:
			seedKey = p.Key()
			logger.Info().Str("peer", seedKey).Msg("mesh.Mesh.runSeed connected")
			continue
		case errors.Is(err, ErrSelfConnection):
			logger.Debug().Msg("mesh.Mesh.runSeed seed is this node")
			return
		case errors.Is(err, ErrClosed) || ctx.Err() != nil:
			return
		}
		delay := m.backoff(attempt)
		logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("mesh.Mesh.runSeed dial failed")
		if err := linger.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (m *Mesh) backoff(attempt int) time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return session.NextBackoffDelay(m.cfg.Session.Backoff, attempt, m.rng)
}

// dialAsync dials addr in the background unless it is self, connected, or
// already being dialed.
func (m *Mesh) dialAsync(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == m.self.Key() {
		return
	}
	m.mu.Lock()
	if m.closed || m.dialing[addr] || m.peers[addr] != nil {
		m.mu.Unlock()
		return
	}
	m.dialing[addr] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, addr)
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Session.ConnectTimeout+m.cfg.Session.HandshakeTimeout)
		defer cancel()
		if _, err := m.Dial(ctx, addr); err != nil {
			m.log.Debug().Err(err).Str("addr", addr).Msg("mesh.Mesh.dialAsync failed")
		}
	}()
}

// Dial connects to the node serving addr and completes the handshake. An
// existing connection to addr is returned as is.
func (m *Mesh) Dial(ctx context.Context, addr string) (*Peer, error) {
	addr = strings.TrimSpace(addr)
	if addr == m.self.Key() {
		return nil, ErrSelfConnection
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	if p, ok := m.Peer(addr); ok {
		return p, nil
	}

	conn, reader, err := m.upgrade(ctx, addr)
	if err != nil {
		observability.RecordHandshake(m.self.Name, "outbound", "error")
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Session.HandshakeTimeout))
	hello := session.Hello{
		Namespace: string(m.cfg.Namespace),
		Node:      m.self,
		Peers:     m.registry.Keys(),
	}
	if err := session.WriteHello(conn, hello); err != nil {
		_ = conn.Close()
		observability.RecordHandshake(m.self.Name, "outbound", "error")
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshake(m.self.Name, "outbound", "error")
		return nil, err
	}
	if !ack.Accepted() {
		_ = conn.Close()
		observability.RecordHandshake(m.self.Name, "outbound", ack.Code)
		switch ack.Code {
		case session.CodeNamespaceMismatch:
			return nil, fmt.Errorf("%w: %s", ErrNamespaceMismatch, ack.Message)
		case session.CodeSelf:
			return nil, ErrSelfConnection
		case session.CodeDuplicate:
			if p, ok := m.Peer(ack.Node.Key()); ok {
				return p, nil
			}
			return nil, ErrDuplicateConnection
		default:
			return nil, fmt.Errorf("%w: code=%s message=%q", ErrHandshakeRejected, ack.Code, ack.Message)
		}
	}
	if ack.Node.NodeID == m.self.NodeID {
		_ = conn.Close()
		return nil, ErrSelfConnection
	}
	_ = conn.SetDeadline(time.Time{})

	p := newPeer(m, conn, reader, ack.Node, true)
	kept, joined, ok := m.admit(p)
	if !ok {
		_ = conn.Close()
		observability.RecordHandshake(m.self.Name, "outbound", session.CodeDuplicate)
		if kept != nil {
			return kept, nil
		}
		return nil, ErrClosed
	}
	observability.RecordHandshake(m.self.Name, "outbound", session.AckStatusAccepted)
	m.start(p, joined)
	m.introduce(ack.Peers)
	return p, nil
}

func (m *Mesh) upgrade(ctx context.Context, addr string) (net.Conn, *bufio.Reader, error) {
	if err := m.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, nil, err
	}
	dialer := net.Dialer{Timeout: m.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if m.cfg.Session.TLS.Enabled {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		tlsCfg, err := m.cfg.Session.ClientTLSConfig(host)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, m.cfg.Session.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		conn = tlsConn
	}

	_ = conn.SetDeadline(time.Now().Add(m.cfg.Session.HandshakeTimeout))
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+UpgradePath, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", UpgradeProtocol)
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %s answered %s", ErrUpgradeFailed, addr, resp.Status)
	}
	return conn, reader, nil
}

// IsUpgrade reports whether r asks to switch to the mesh protocol.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), UpgradeProtocol)
}

// ServeHTTP hijacks an upgrade request and runs the acceptor handshake.
func (m *Mesh) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsUpgrade(r) {
		http.Error(w, "mesh: upgrade required", http.StatusBadRequest)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "mesh: connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		m.log.Warn().Err(err).Msg("mesh.Mesh.ServeHTTP hijack failed")
		return
	}
	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: " + UpgradeProtocol + "\r\n\r\n")
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return
	}
	go m.Accept(conn, rw.Reader)
}

// Accept runs the acceptor side of the handshake on an upgraded connection.
func (m *Mesh) Accept(conn net.Conn, reader *bufio.Reader) {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Session.HandshakeTimeout))
	hello, err := session.ReadHello(reader)
	if err != nil {
		m.reject(conn, session.CodeInvalid, err.Error())
		return
	}
	logger := m.log.With().Str("peer", hello.Node.Key()).Logger()
	if !m.cfg.Namespace.Admits(hello.Namespace) {
		logger.Warn().Str("remote_namespace", hello.Namespace).Msg("mesh.Mesh.Accept namespace mismatch")
		m.reject(conn, session.CodeNamespaceMismatch, fmt.Sprintf("namespace %q not admitted", hello.Namespace))
		return
	}
	if hello.Node.NodeID == m.self.NodeID || hello.Node.Key() == m.self.Key() {
		m.reject(conn, session.CodeSelf, "connection to self")
		return
	}
	if m.isClosed() {
		_ = conn.Close()
		return
	}

	p := newPeer(m, conn, reader, hello.Node, false)
	_, joined, ok := m.admit(p)
	if !ok {
		m.reject(conn, session.CodeDuplicate, "connection already established")
		return
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		Node:        m.self,
		Peers:       m.peerKeysExcept(hello.Node.Key()),
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	err = session.WriteHelloAck(conn, ack)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		p.close(err)
	}
	observability.RecordHandshake(m.self.Name, "inbound", session.AckStatusAccepted)
	m.start(p, joined)
	m.introduce(hello.Peers)
}

func (m *Mesh) reject(conn net.Conn, code, message string) {
	observability.RecordHandshake(m.self.Name, "inbound", code)
	ack := session.HelloAck{
		Status:      session.AckStatusRejected,
		Code:        code,
		Message:     message,
		Node:        m.self,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		m.log.Debug().Err(err).Str("code", code).Msg("mesh.Mesh.reject write failed")
	}
	_ = conn.Close()
}

// admit makes p the live connection for its key. When another live
// connection exists, the one whose dialer key sorts first is kept; on a tie
// the newer connection wins. ok=false means p lost and kept is the survivor.
func (m *Mesh) admit(p *Peer) (kept *Peer, joined bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, false
	}
	key := p.Key()
	existing := m.peers[key]
	if existing != nil {
		select {
		case <-existing.Done():
			existing = nil
		default:
		}
	}
	if existing != nil && existing.dialerKey < p.dialerKey {
		return existing, false, false
	}
	m.peers[key] = p
	_, joined = m.registry.Register(p.info, p)
	if existing != nil {
		existing.close(errReplaced)
	}
	// reader and heartbeat goroutines
	m.wg.Add(2)
	return p, joined, true
}

func (m *Mesh) start(p *Peer, joined bool) {
	go func() {
		defer m.wg.Done()
		err := p.readLoop()
		m.detach(p, err)
	}()
	go func() {
		defer m.wg.Done()
		p.heartbeat()
	}()

	observability.SetMeshPeers(m.self.Name, m.registry.Len())
	if !joined {
		p.log.Debug().Msg("mesh.Mesh.start connection replaced")
		return
	}
	p.log.Info().Str("name", p.info.Name).Msg("mesh.Mesh peer joined")
	m.bus.Publish(events.PeerJoined{PeerID: p.ID(), Address: p.Key(), Name: p.info.Name})
	for _, o := range m.observerList() {
		o.PeerJoined(p)
	}
	m.gossip()
}

func (m *Mesh) detach(p *Peer, cause error) {
	m.mu.Lock()
	if m.peers[p.Key()] == p {
		delete(m.peers, p.Key())
	}
	rec, removed := m.registry.Remove(p.Key(), p)
	m.mu.Unlock()
	if !removed {
		return
	}
	observability.SetMeshPeers(m.self.Name, m.registry.Len())
	p.log.Info().AnErr("cause", cause).Msg("mesh.Mesh peer left")
	m.bus.Publish(events.PeerLeft{PeerID: rec.ID, Address: rec.Key()})
	for _, o := range m.observerList() {
		o.PeerLeft(rec)
	}
}

// gossip sends the current peer set to every peer.
func (m *Mesh) gossip() {
	msg := session.Gossip{NodeID: m.self.NodeID, Peers: m.registry.Keys()}
	for _, p := range m.Peers() {
		if err := p.Send(msg); err != nil {
			p.log.Debug().Err(err).Msg("mesh.Mesh.gossip send failed")
		}
	}
}

// introduce dials every address not yet connected.
func (m *Mesh) introduce(addrs []string) {
	for _, addr := range addrs {
		m.dialAsync(addr)
	}
}

func (m *Mesh) dispatch(p *Peer, f frame.Frame) {
	switch f.Header.MessageType {
	case schema.MsgPing:
		return
	case schema.MsgGossip:
		g, err := session.DecodeGossip(f)
		if err != nil {
			p.log.Warn().Err(err).Msg("mesh.Mesh.dispatch bad gossip")
			return
		}
		m.introduce(g.Peers)
		return
	}

	m.mu.Lock()
	fn := m.handlers[f.Header.MessageType]
	m.mu.Unlock()
	if fn == nil {
		p.log.Warn().Str("type", schema.Name(f.Header.MessageType)).Msg("mesh.Mesh.dispatch unhandled frame")
		_ = p.Reply(f, session.ErrorMessage{Code: "unsupported", Message: schema.Name(f.Header.MessageType)})
		return
	}
	fn(p, f)
}

func (m *Mesh) peerKeysExcept(key string) []string {
	keys := m.registry.Keys()
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

func (m *Mesh) observerList() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

func (m *Mesh) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close drops every peer connection and stops background dials.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	beacon := m.beacon
	m.mu.Unlock()

	m.cancel()
	for _, p := range peers {
		_ = p.Close()
	}
	var err error
	if beacon != nil {
		err = beacon.Close()
	}
	m.wg.Wait()
	return err
}
