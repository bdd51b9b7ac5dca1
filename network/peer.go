package network

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultMaxMessageSize bounds a single framed message.
const DefaultMaxMessageSize = 8 * 1024 * 1024

// ErrPeerClosed is returned when sending to a closed peer.
var ErrPeerClosed = errors.New("network: peer closed")

// ErrMalformed marks a frame that arrived intact but could not be decoded.
// The connection stays usable.
var ErrMalformed = errors.New("network: malformed message")

// ErrQueueFull is returned when a peer's outbound queue cannot take more.
var ErrQueueFull = errors.New("network: peer send queue full")

// Peer is one live connection. Key identifies the connection locally and is
// the origin reported for everything the peer sends; NodeID is learned from
// the remote hello.
type Peer struct {
	Key     string
	Inbound bool

	conn    net.Conn
	maxSize uint32
	out     chan Message

	mu     sync.Mutex // guards writes and the fields below
	closed bool
	nodeID string
	height int64
	done   chan struct{}
}

func newPeer(key string, conn net.Conn, inbound bool, maxSize uint32, queue int) *Peer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	if queue <= 0 {
		queue = 256
	}
	return &Peer{
		Key:     key,
		Inbound: inbound,
		conn:    conn,
		maxSize: maxSize,
		out:     make(chan Message, queue),
		done:    make(chan struct{}),
	}
}

// dial opens a TCP (or TLS when cfg is non-nil) connection to addr.
func dial(addr string, cfg *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg != nil {
		conn, err = tls.DialWithDialer(d, "tcp", addr, cfg)
	} else {
		conn, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return conn, nil
}

// NodeID returns the remote node ID, or "" before the hello arrives.
func (p *Peer) NodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

// Height returns the height the peer last announced.
func (p *Peer) Height() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height
}

func (p *Peer) setHello(nodeID string, height int64) {
	p.mu.Lock()
	p.nodeID = nodeID
	p.height = height
	p.mu.Unlock()
}

// Send writes one length-prefixed message synchronously.
func (p *Peer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > int(p.maxSize) {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	_, err = p.conn.Write(frame)
	return err
}

// Enqueue hands msg to the peer's writer without blocking.
func (p *Peer) Enqueue(msg Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the outbound queue until the peer closes.
func (p *Peer) writeLoop(onErr func(error)) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.out:
			if err := p.Send(msg); err != nil {
				onErr(err)
				p.Close()
				return
			}
		}
	}
}

// Receive reads the next length-prefixed message.
func (p *Peer) Receive() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > p.maxSize {
		return Message{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Close terminates the connection. Safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
		p.conn.Close()
	}
}
