package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/rs/zerolog"
)

const maxBeaconBytes = 2048

// BeaconConfig enables UDP presence announcements. Listen is the local
// address to receive on; a multicast group address joins that group.
// Targets receive this node's beacon every Interval.
type BeaconConfig struct {
	Enabled  bool
	Listen   string
	Targets  []string
	Interval time.Duration
}

type beaconMessage struct {
	Namespace string `json:"namespace"`
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
}

// Beacon announces this node over UDP and reports addresses heard from
// nodes in the same namespace.
type Beacon struct {
	cfg       BeaconConfig
	namespace Namespace
	self      session.NodeInfo
	log       zerolog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewBeacon(cfg BeaconConfig, ns Namespace, self session.NodeInfo) (*Beacon, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		return nil, fmt.Errorf("%w: beacon listen address required", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Beacon{
		cfg:       cfg,
		namespace: ns,
		self:      self,
		log:       logging.Component("mesh.beacon").With().Str("node", self.Key()).Logger(),
	}, nil
}

// Bind opens the listening socket.
func (b *Beacon) Bind() error {
	addr, err := net.ResolveUDPAddr("udp4", b.cfg.Listen)
	if err != nil {
		return err
	}
	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp4", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp4", addr)
	}
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

func (b *Beacon) LocalAddr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ""
	}
	return b.conn.LocalAddr().String()
}

// SetTargets replaces the announcement targets.
func (b *Beacon) SetTargets(targets []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Targets = append([]string(nil), targets...)
}

// Run announces and listens until ctx ends. discovered is called with the
// address of every admitted beacon from another node.
func (b *Beacon) Run(ctx context.Context, discovered func(addr string)) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("mesh: beacon not bound")
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go b.announce(ctx, conn)

	buf := make([]byte, maxBeaconBytes)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.log.Debug().Err(err).Msg("mesh.Beacon.Run read failed")
			continue
		}
		var msg beaconMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			b.log.Debug().Err(err).Str("from", from.String()).Msg("mesh.Beacon.Run bad beacon")
			continue
		}
		if msg.NodeID == b.self.NodeID || !b.namespace.Admits(msg.Namespace) {
			continue
		}
		discovered(msg.Address)
	}
}

func (b *Beacon) announce(ctx context.Context, conn *net.UDPConn) {
	payload, _ := json.Marshal(beaconMessage{
		Namespace: string(b.namespace),
		NodeID:    b.self.NodeID,
		Address:   b.self.Key(),
	})
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		targets := append([]string(nil), b.cfg.Targets...)
		b.mu.Unlock()
		for _, target := range targets {
			addr, err := net.ResolveUDPAddr("udp4", target)
			if err != nil {
				b.log.Debug().Err(err).Str("target", target).Msg("mesh.Beacon.announce resolve failed")
				continue
			}
			if _, err := conn.WriteToUDP(payload, addr); err != nil && ctx.Err() == nil {
				b.log.Debug().Err(err).Str("target", target).Msg("mesh.Beacon.announce send failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Beacon) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
