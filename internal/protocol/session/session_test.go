package session

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/taskmesh/internal/protocol/frame"
	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/danmuck/taskmesh/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigWithDefaultsKeepsDeadAfterAboveHeartbeat(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HeartbeatInterval: 5 * time.Second, SessionDeadAfter: time.Second}.WithDefaults()
	if cfg.SessionDeadAfter != 15*time.Second {
		t.Fatalf("unexpected dead-after: %v", cfg.SessionDeadAfter)
	}
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout {
		t.Fatalf("connect timeout not defaulted: %v", cfg.ConnectTimeout)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
}

func testNode(id string, port int) NodeInfo {
	return NodeInfo{
		NodeID:         id,
		Name:           id,
		Hostname:       "host-" + id,
		PublicAddress:  "127.0.0.1",
		PrivateAddress: "127.0.0.1",
		APIPort:        port,
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	hello := Hello{
		Namespace: "test",
		Node:      testNode("a", 10000),
		Peers:     []string{"127.0.0.1:11000"},
	}
	var buf bytes.Buffer
	if err := WriteHello(&buf, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got.Namespace != "test" || got.Node.Key() != "127.0.0.1:10000" || len(got.Peers) != 1 {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloValidateRejectsMissingNamespace(t *testing.T) {
	testlog.Start(t)
	err := WriteHello(&bytes.Buffer{}, Hello{Node: testNode("a", 10000)})
	if !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	err = WriteHello(&bytes.Buffer{}, Hello{Namespace: "test", Node: testNode("a", 0)})
	if !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello for port 0, got %v", err)
	}
}

func TestHelloAckRejectedRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := HelloAck{
		Status:      AckStatusRejected,
		Code:        CodeNamespaceMismatch,
		Message:     "namespace other != test",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	var buf bytes.Buffer
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadHelloAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Accepted() || got.Code != CodeNamespaceMismatch {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestHelloAckAcceptedRequiresNode(t *testing.T) {
	testlog.Start(t)
	err := WriteHelloAck(&bytes.Buffer{}, HelloAck{Status: AckStatusAccepted, TimestampMS: 1})
	if !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
}

func TestReadHelloRejectsWrongControlType(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	ack := HelloAck{Status: AckStatusRejected, Code: CodeSelf, TimestampMS: 1}
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if _, err := ReadHello(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestReadControlRejectsOversizedLine(t *testing.T) {
	testlog.Start(t)
	line := bytes.Repeat([]byte("a"), maxControlLine+10)
	line = append(line, '\n')
	if _, err := ReadHello(bufio.NewReader(bytes.NewReader(line))); !errors.Is(err, ErrControlMessageTooLarge) {
		t.Fatalf("expected ErrControlMessageTooLarge, got %v", err)
	}
}

func roundTrip(t *testing.T, m Message, flags uint32) frame.Frame {
	t.Helper()
	f, err := EncodeFrame(42, flags, m)
	if err != nil {
		t.Fatalf("encode %T: %v", m, err)
	}
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.MessageID != 42 {
		t.Fatalf("message id lost: %d", out.Header.MessageID)
	}
	return out
}

func TestSyncOfferFrameCarriesEnv(t *testing.T) {
	testlog.Start(t)
	f := roundTrip(t, SyncOffer{
		TransferID: "xfer-1",
		Version:    "abc",
		Size:       4096,
		Stamp:      1700000000,
		TaskFolder: "tasks",
		Instances:  2,
		Env:        map[string]string{"MODE": "test", "URL": "http://x?a=b"},
	}, 0)
	got, err := DecodeSyncOffer(f)
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if got.Size != 4096 || got.Instances != 2 || got.TaskFolder != "tasks" {
		t.Fatalf("unexpected offer: %+v", got)
	}
	if got.Env["MODE"] != "test" || got.Env["URL"] != "http://x?a=b" {
		t.Fatalf("unexpected env: %+v", got.Env)
	}
}

func TestGossipFrameCarriesPeerList(t *testing.T) {
	testlog.Start(t)
	f := roundTrip(t, Gossip{NodeID: "a", Peers: []string{"10.0.0.1:10000", "10.0.0.2:10000"}}, 0)
	got, err := DecodeGossip(f)
	if err != nil {
		t.Fatalf("decode gossip: %v", err)
	}
	if len(got.Peers) != 2 || got.Peers[1] != "10.0.0.2:10000" {
		t.Fatalf("unexpected peers: %v", got.Peers)
	}
}

func TestSyncChunkAndAckFrames(t *testing.T) {
	testlog.Start(t)
	chunk, err := DecodeSyncChunk(roundTrip(t, SyncChunk{TransferID: "x", Offset: 8, Data: []byte("payload")}, 0))
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.Offset != 8 || string(chunk.Data) != "payload" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	ackFrame := roundTrip(t, SyncAck{TransferID: "x", Status: SyncAckOK, Size: 15}, frame.FlagIsResponse)
	if !ackFrame.Header.IsResponse() {
		t.Fatalf("response flag lost")
	}
	ack, err := DecodeSyncAck(ackFrame)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Size != 15 || ack.Status != SyncAckOK {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestErrorFrameSetsErrorFlag(t *testing.T) {
	testlog.Start(t)
	f := roundTrip(t, ErrorMessage{Code: "busy", Message: "transfer in progress"}, frame.FlagIsResponse)
	if f.Header.Flags&frame.FlagIsError == 0 {
		t.Fatalf("expected error flag")
	}
	em, err := DecodeError(f)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if em.Code != "busy" {
		t.Fatalf("unexpected error message: %+v", em)
	}
}

func TestDecodeRejectsMismatchedType(t *testing.T) {
	testlog.Start(t)
	f := roundTrip(t, Ping{NodeID: "a", TimestampMS: 1}, 0)
	if _, err := DecodeSyncDone(f); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestMutualTLSConfigsHandshake(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "taskmesh-ca")
	certFile, keyFile := ca.IssuePeerCert(t, dir, "node-a", []net.IP{net.ParseIP("127.0.0.1")})

	cfg := DefaultConfig()
	cfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   ca.CAFile(),
	}
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("server transport: %v", err)
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("client transport: %v", err)
	}
	serverTLS, err := cfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	clientTLS, err := cfg.ClientTLSConfig("127.0.0.1")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		hello, err := ReadHello(bufio.NewReader(conn))
		if err != nil {
			errCh <- err
			return
		}
		errCh <- WriteHelloAck(conn, HelloAck{
			Status:      AckStatusAccepted,
			Node:        testNode("b", 11000),
			Peers:       []string{hello.Node.Key()},
			TimestampMS: 1,
		})
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientTLS)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := WriteHello(conn, Hello{Namespace: "test", Node: testNode("a", 10000)}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := ReadHelloAck(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !ack.Accepted() || ack.Peers[0] != "127.0.0.1:10000" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
