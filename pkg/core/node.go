package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/config"
	"github.com/3FT-io/medshare/pkg/p2p"
)

// ContextInfo identifies one application context hosted by a node.
type ContextInfo struct {
	ContextID     string    `json:"context_id"`
	ApplicationID string    `json:"application_id"`
	CreatedAt     Timestamp `json:"created_at"`
}

// NodeStatus is what a node tells a peer about itself on connect.
type NodeStatus struct {
	Contexts []ContextInfo `json:"contexts"`
	SeenAt   Timestamp     `json:"seen_at"`
}

// Node hosts application contexts and relays their events to peers.
type Node struct {
	config   *config.Config
	network  *p2p.Network
	logger   *zap.Logger
	feed     *EventFeed
	contexts map[string]*hostedContext
	peers    map[peer.ID]NodeStatus
	mu       sync.RWMutex
	ctx      context.Context
}

type hostedContext struct {
	info  ContextInfo
	store *Store
}

// NewNode creates a node. network may be nil to run without peers.
func NewNode(cfg *config.Config, network *p2p.Network, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(cfg.StoragePath, "contexts"), 0755); err != nil {
		return nil, err
	}

	n := &Node{
		config:   cfg,
		network:  network,
		logger:   logger,
		feed:     NewEventFeed(200),
		contexts: make(map[string]*hostedContext),
		peers:    make(map[peer.ID]NodeStatus),
		ctx:      context.Background(),
	}

	if err := n.loadContexts(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	if n.network == nil {
		return nil
	}
	n.network.SetHandler(n.handlePeerMessage)
	n.network.SetConnectHandler(n.announce)
	return n.network.Start(ctx)
}

func (n *Node) Stop() error {
	if n.network == nil {
		return nil
	}
	return n.network.Stop()
}

// Network returns the node's P2P network, nil when running standalone.
func (n *Node) Network() *p2p.Network {
	return n.network
}

// Events returns the node's recent event feed.
func (n *Node) Events() *EventFeed {
	return n.feed
}

func (n *Node) loadContexts() error {
	root := filepath.Join(n.config.StoragePath, "contexts")
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "context.json"))
		if err != nil {
			n.logger.Warn("Skipping context without descriptor", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		var info ContextInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("invalid context descriptor %s: %w", e.Name(), err)
		}
		if _, err := n.openContext(info); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) openContext(info ContextInfo) (*hostedContext, error) {
	store, err := NewStorage(filepath.Join(n.config.StoragePath, "contexts", info.ContextID))
	if err != nil {
		return nil, fmt.Errorf("failed to open context %s: %w", info.ContextID, err)
	}

	hc := &hostedContext{info: info, store: store}
	contextID := info.ContextID
	store.SetEventSink(SinkFunc(func(ev Event) {
		ev.ContextID = contextID
		n.publish(ev)
	}))

	n.mu.Lock()
	n.contexts[info.ContextID] = hc
	n.mu.Unlock()
	return hc, nil
}

// CreateContext creates a new context for applicationID.
func (n *Node) CreateContext(ctx context.Context, applicationID string) (*ContextInfo, error) {
	if applicationID == "" {
		return nil, apperr.New(apperr.KindValidation, "application id is required")
	}

	info := ContextInfo{
		ContextID:     generateUUID(),
		ApplicationID: applicationID,
		CreatedAt:     Now(),
	}

	dir := filepath.Join(n.config.StoragePath, "contexts", info.ContextID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "context.json"), data, 0644); err != nil {
		return nil, err
	}

	if _, err := n.openContext(info); err != nil {
		return nil, err
	}

	n.logger.Info("Context created",
		zap.String("context_id", info.ContextID),
		zap.String("application_id", applicationID),
	)
	return &info, nil
}

// Contexts lists hosted contexts, oldest first. An empty applicationID
// matches every context.
func (n *Node) Contexts(applicationID string) []ContextInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]ContextInfo, 0, len(n.contexts))
	for _, hc := range n.contexts {
		if applicationID != "" && hc.info.ApplicationID != applicationID {
			continue
		}
		out = append(out, hc.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ContextID < out[j].ContextID
	})
	return out
}

// Store returns the store of a hosted context.
func (n *Node) Store(contextID string) (*Store, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	hc, ok := n.contexts[contextID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "context not found: %s", contextID)
	}
	return hc.store, nil
}

func (n *Node) publish(ev Event) {
	n.feed.Publish(ev)

	if !n.network.Running() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	n.mu.RLock()
	ctx := n.ctx
	n.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		msg := p2p.Message{Type: p2p.MessageTypeStoreEvent, Payload: payload}
		if err := n.network.Publish(ctx, msg); err != nil {
			n.logger.Warn("Failed to broadcast event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}()
}

// PeerStatuses returns the last status each peer announced.
func (n *Node) PeerStatuses() map[peer.ID]NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[peer.ID]NodeStatus, len(n.peers))
	for id, st := range n.peers {
		out[id] = st
	}
	return out
}

// announce sends this node's hosted contexts to a newly connected peer.
func (n *Node) announce(id peer.ID) {
	payload, err := json.Marshal(NodeStatus{Contexts: n.Contexts(""), SeenAt: Now()})
	if err != nil {
		n.logger.Error("Failed to encode node status", zap.Error(err))
		return
	}

	n.mu.RLock()
	ctx := n.ctx
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg := p2p.Message{Type: p2p.MessageTypeNodeStatus, Payload: payload}
	if err := n.network.SendToPeer(ctx, id, msg); err != nil {
		n.logger.Debug("Failed to announce to peer", zap.String("peer", id.String()), zap.Error(err))
	}
}

func (n *Node) handlePeerMessage(from peer.ID, msg p2p.Message) {
	switch msg.Type {
	case p2p.MessageTypeNodeStatus:
		n.recordPeerStatus(from, msg.Payload)
		return
	case p2p.MessageTypeStoreEvent:
	default:
		return
	}

	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		n.logger.Debug("Dropping malformed peer event", zap.String("peer", from.String()), zap.Error(err))
		return
	}
	ev.Origin = from.String()
	n.feed.Publish(ev)

	n.logger.Info("Peer event",
		zap.String("peer", from.String()),
		zap.String("type", string(ev.Type)),
		zap.String("file_id", ev.FileID),
	)
}

func (n *Node) recordPeerStatus(from peer.ID, payload json.RawMessage) {
	var st NodeStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		n.logger.Debug("Dropping malformed peer status", zap.String("peer", from.String()), zap.Error(err))
		return
	}
	st.SeenAt = Now()

	n.mu.Lock()
	n.peers[from] = st
	n.mu.Unlock()

	n.logger.Info("Peer status",
		zap.String("peer", from.String()),
		zap.Int("contexts", len(st.Contexts)),
	)
}
