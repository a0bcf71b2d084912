package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "mesh.hello"
	controlTypeHelloAck = "mesh.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	CodeNamespaceMismatch = "namespace_mismatch"
	CodeSelf              = "self"
	CodeDuplicate         = "duplicate"
	CodeInvalid           = "invalid"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// NodeInfo is the identity a node advertises during the handshake.
type NodeInfo struct {
	NodeID         string `json:"node_id"`
	Name           string `json:"name"`
	Hostname       string `json:"hostname"`
	PublicAddress  string `json:"public_address"`
	PrivateAddress string `json:"private_address"`
	APIPort        int    `json:"api_port"`
}

// Key is the peer identity used by registries: public address and API port.
func (n NodeInfo) Key() string {
	return fmt.Sprintf("%s:%d", n.PublicAddress, n.APIPort)
}

func (n NodeInfo) validate() error {
	if strings.TrimSpace(n.NodeID) == "" {
		return errors.New("missing node_id")
	}
	if strings.TrimSpace(n.PublicAddress) == "" {
		return errors.New("missing public_address")
	}
	if n.APIPort <= 0 || n.APIPort > 65535 {
		return fmt.Errorf("invalid api_port %d", n.APIPort)
	}
	return nil
}

// Hello is the dialer->acceptor session-start payload.
type Hello struct {
	Namespace string   `json:"namespace"`
	Node      NodeInfo `json:"node"`
	Peers     []string `json:"peers"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Namespace) == "" {
		return fmt.Errorf("%w: missing namespace", ErrInvalidHello)
	}
	if err := h.Node.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	return nil
}

// HelloAck is the acceptor->dialer response. Node and Peers are set only when accepted.
type HelloAck struct {
	Status      string   `json:"status"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message,omitempty"`
	Node        NodeInfo `json:"node"`
	Peers       []string `json:"peers"`
	TimestampMS uint64   `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	switch strings.TrimSpace(a.Status) {
	case AckStatusAccepted:
		if err := a.Node.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
		}
	case AckStatusRejected:
		if strings.TrimSpace(a.Code) == "" {
			return fmt.Errorf("%w: rejected without code", ErrInvalidHelloAck)
		}
	default:
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &h,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
