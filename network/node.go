package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessageHandler is called on the peer's read goroutine for each message.
type MessageHandler func(peer *Peer, msg Message)

const (
	DefaultMaxPeers    = 50
	DefaultDialTimeout = 5 * time.Second
)

// NodeConfig configures the transport.
type NodeConfig struct {
	ListenAddr     string
	TLS            *tls.Config // nil means plain TCP
	MaxPeers       int
	MaxMessageSize uint32
	SendQueue      int
	DialTimeout    time.Duration
	Logger         *zap.Logger
}

// Node listens for incoming peers and manages outgoing connections.
type Node struct {
	cfg NodeConfig
	log *zap.Logger

	mu           sync.RWMutex
	peers        map[string]*Peer
	handlers     map[MsgType]MessageHandler
	onConnect    []func(*Peer)
	onDisconnect []func(*Peer)
	onMalformed  []func(*Peer, error)

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNode creates a transport that will listen on cfg.ListenAddr.
func NewNode(cfg NodeConfig) *Node {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Node{
		cfg:      cfg,
		log:      cfg.Logger.Named("network"),
		peers:    make(map[string]*Peer),
		handlers: make(map[MsgType]MessageHandler),
		stopCh:   make(chan struct{}),
	}
}

// Handle registers a handler for msg type. Register before Start.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// OnConnect registers a hook run for every new peer before its reads start.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnect = append(n.onConnect, fn)
}

// OnDisconnect registers a hook run after a peer is removed.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = append(n.onDisconnect, fn)
}

// OnMalformed registers a hook run when a peer sends an undecodable message.
// Handlers call ReportMalformed for payloads that fail to decode.
func (n *Node) OnMalformed(fn func(*Peer, error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMalformed = append(n.onMalformed, fn)
}

// ReportMalformed runs the malformed-message hooks for p.
func (n *Node) ReportMalformed(p *Peer, err error) {
	n.mu.RLock()
	hooks := append([]func(*Peer, error){}, n.onMalformed...)
	n.mu.RUnlock()
	n.log.Debug("malformed message", zap.String("peer", p.Key), zap.Error(err))
	for _, h := range hooks {
		h(p, err)
	}
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if n.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", n.cfg.ListenAddr, n.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", n.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = ln
	n.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", n.cfg.TLS != nil))
	go n.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Stop closes the listener and every peer.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if n.listener != nil {
			n.listener.Close()
		}
		n.mu.RLock()
		peers := make([]*Peer, 0, len(n.peers))
		for _, p := range n.peers {
			peers = append(peers, p)
		}
		n.mu.RUnlock()
		for _, p := range peers {
			p.Close()
		}
	})
}

// Dial connects to addr and registers the peer under that address.
func (n *Node) Dial(addr string) (*Peer, error) {
	if n.Connected(addr) {
		return nil, fmt.Errorf("already connected to %s", addr)
	}
	conn, err := dial(addr, n.cfg.TLS, n.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	p := newPeer(addr, conn, false, n.cfg.MaxMessageSize, n.cfg.SendQueue)
	if err := n.register(p); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Connected reports whether a peer is registered under key.
func (n *Node) Connected(key string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.peers[key]
	return ok
}

// Peer returns the peer registered under key, or nil.
func (n *Node) Peer(key string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[key]
}

// Peers returns the connected peers sorted by key.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// BroadcastExcept queues msg for every peer but except and returns how many
// peers it was queued for. Full queues drop the message for that peer.
func (n *Node) BroadcastExcept(msg Message, except string) int {
	sent := 0
	for _, p := range n.Peers() {
		if p.Key == except {
			continue
		}
		if err := p.Enqueue(msg); err != nil {
			n.log.Debug("broadcast skipped", zap.String("peer", p.Key), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (n *Node) register(p *Peer) error {
	n.mu.Lock()
	if len(n.peers) >= n.cfg.MaxPeers {
		n.mu.Unlock()
		return fmt.Errorf("max peers (%d) reached", n.cfg.MaxPeers)
	}
	if _, dup := n.peers[p.Key]; dup {
		n.mu.Unlock()
		return fmt.Errorf("duplicate peer %s", p.Key)
	}
	n.peers[p.Key] = p
	hooks := append([]func(*Peer){}, n.onConnect...)
	n.mu.Unlock()

	go p.writeLoop(func(err error) {
		n.log.Debug("write failed", zap.String("peer", p.Key), zap.Error(err))
	})
	for _, h := range hooks {
		h(p)
	}
	go n.readLoop(p)
	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.Warn("accept error", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		key := conn.RemoteAddr().String()
		p := newPeer(key, conn, true, n.cfg.MaxMessageSize, n.cfg.SendQueue)
		if err := n.register(p); err != nil {
			n.log.Info("rejecting peer", zap.String("peer", key), zap.Error(err))
			conn.Close()
		}
	}
}

func (n *Node) readLoop(p *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("read loop panicked", zap.String("peer", p.Key), zap.Any("panic", r))
		}
		p.Close()
		n.mu.Lock()
		if n.peers[p.Key] == p {
			delete(n.peers, p.Key)
		}
		hooks := append([]func(*Peer){}, n.onDisconnect...)
		n.mu.Unlock()
		for _, h := range hooks {
			h(p)
		}
	}()
	for {
		msg, err := p.Receive()
		if errors.Is(err, ErrMalformed) {
			n.ReportMalformed(p, err)
			continue
		}
		if err != nil {
			n.log.Debug("peer disconnected", zap.String("peer", p.Key), zap.Error(err))
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if !ok {
			n.log.Debug("unhandled message", zap.String("peer", p.Key), zap.String("type", string(msg.Type)))
			continue
		}
		h(p, msg)
	}
}
