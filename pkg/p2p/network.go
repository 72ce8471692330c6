package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/config"
)

const (
	ProtocolID         = "/medshare/1.0.0"
	DiscoveryNamespace = "medshare-network"
	PubsubTopic        = "medshare-events"
	ConnectionTimeout  = 10 * time.Second

	// maxStreamMessage bounds one point-to-point message.
	maxStreamMessage = 1 << 20
)

var ErrNotStarted = errors.New("network not started")

// Handler is called for every message received from another peer.
type Handler func(from peer.ID, msg Message)

// ConnectHandler is called after a connection to a new peer is made.
type ConnectHandler func(id peer.ID)

type Network struct {
	cfg          *config.Config
	logger       *zap.Logger
	host         host.Host
	dht          *dht.IpfsDHT
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	peers        map[peer.ID]peer.AddrInfo
	handler      Handler
	onConnect    ConnectHandler
	mu           sync.RWMutex
}

func NewNetwork(cfg *config.Config, logger *zap.Logger) (*Network, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		cfg:    cfg,
		logger: logger,
		peers:  make(map[peer.ID]peer.AddrInfo),
	}, nil
}

// SetHandler installs the receiver for peer messages. It must be called
// before Start.
func (n *Network) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// SetConnectHandler installs the callback run after each new peer
// connection. It must be called before Start.
func (n *Network) SetConnectHandler(h ConnectHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnect = h
}

func (n *Network) Start(ctx context.Context) error {
	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	h.SetStreamHandler(protocol.ID(ProtocolID), n.handleStream)

	n.mu.Lock()
	n.host = h
	n.mu.Unlock()

	if err := n.initDHT(ctx); err != nil {
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}

	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	if err := n.initMDNS(); err != nil {
		return fmt.Errorf("failed to initialize mDNS: %w", err)
	}

	n.connectToBootstrapPeers(ctx)

	go n.handleMessages(ctx)

	n.logger.Info("P2P network started",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", n.cfg.Port),
	)
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	}

	return libp2p.New(opts...)
}

func (n *Network) initDHT(ctx context.Context) error {
	kad, err := dht.New(ctx, n.host,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(ProtocolID)),
	)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.dht = kad
	n.mu.Unlock()
	return kad.Bootstrap(ctx)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	topic, err := n.pubsub.Join(PubsubTopic)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.subscription = sub
	n.topic = topic
	n.mu.Unlock()
	return nil
}

func (n *Network) initMDNS() error {
	service := mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return service.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("mDNS peer connection failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
			n.logger.Warn("Bootstrap peer unreachable", zap.String("peer", peerInfo.ID.String()), zap.Error(err))
		}
	}
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	_, known := n.peers[peerInfo.ID]
	n.peers[peerInfo.ID] = peerInfo
	onConnect := n.onConnect
	n.mu.Unlock()

	if !known && onConnect != nil {
		go onConnect(peerInfo.ID)
	}
	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := n.connectToPeer(ctx, peerInfo)
		if err == nil {
			return nil
		}
		if backoff > maxBackoff {
			return fmt.Errorf("max backoff reached: %w", err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (n *Network) handleMessages(ctx context.Context) {
	for {
		msg, err := n.subscription.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		go n.processMessage(msg)
	}
}

func (n *Network) processMessage(msg *pubsub.Message) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.logger.Debug("Dropping malformed message", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
		return
	}

	n.deliver(msg.ReceivedFrom, m)
}

// handleStream reads one direct message sent with SendToPeer.
func (n *Network) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	var m Message
	if err := json.NewDecoder(io.LimitReader(s, maxStreamMessage)).Decode(&m); err != nil {
		n.logger.Debug("Dropping malformed direct message", zap.String("from", from.String()), zap.Error(err))
		return
	}
	m.From = from
	n.deliver(from, m)
}

func (n *Network) deliver(from peer.ID, m Message) {
	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()

	if handler != nil {
		handler(from, m)
	}
}

// Publish gossips msg to every peer on the topic.
func (n *Network) Publish(ctx context.Context, msg Message) error {
	n.mu.RLock()
	topic, h := n.topic, n.host
	n.mu.RUnlock()

	if topic == nil || h == nil {
		return ErrNotStarted
	}
	msg.From = h.ID()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return topic.Publish(ctx, data)
}

// SendToPeer delivers msg to one peer over a direct stream.
func (n *Network) SendToPeer(ctx context.Context, peerID peer.ID, msg Message) error {
	h := n.GetHost()
	if h == nil {
		return ErrNotStarted
	}
	stream, err := h.NewStream(ctx, peerID, protocol.ID(ProtocolID))
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	msg.From = h.ID()
	msg.To = peerID
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to send message: %w", err)
	}
	return stream.CloseWrite()
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

// Running reports whether the host is up.
func (n *Network) Running() bool {
	return n.GetHost() != nil
}

func (n *Network) Stop() error {
	n.mu.RLock()
	sub, topic, kad, h := n.subscription, n.topic, n.dht, n.host
	n.mu.RUnlock()

	if sub != nil {
		sub.Cancel()
	}

	if topic != nil {
		topic.Close()
	}

	if kad != nil {
		if err := kad.Close(); err != nil {
			return err
		}
	}

	if h != nil {
		return h.Close()
	}

	return nil
}

// Message types for network communication
type MessageType int

const (
	MessageTypeStoreEvent MessageType = iota
	MessageTypeNodeStatus
)

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    peer.ID         `json:"from"`
	To      peer.ID         `json:"to,omitempty"`
}

func (n *Network) GetHost() host.Host {
	if n == nil {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	if n.GetHost() == nil {
		return ErrNotStarted
	}
	return n.connectToPeer(ctx, peerInfo)
}
