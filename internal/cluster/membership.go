// Package cluster tracks node membership over gossip. Join and leave
// events feed partition reassignment; node metadata carries each node's
// API address so peers can be dialed by node ID.
package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/config"
	"github.com/zonedb/zonedb/internal/model"
)

// nodeMeta is gossiped alongside each member.
type nodeMeta struct {
	NodeID  string `json:"node_id"`
	APIAddr string `json:"api_addr"`
}

// Membership manages this node's view of the cluster.
type Membership struct {
	nodeID model.NodeID
	meta   nodeMeta
	logger *zap.Logger

	memberlist *memberlist.Memberlist

	// debounce holds change notifications back so a burst of join/leave
	// events triggers one reassignment, not one per event.
	debounce time.Duration

	mu       sync.RWMutex
	members  map[model.NodeID]string
	onChange func(nodes []model.NodeID)
	pending  *time.Timer
}

// New creates the membership service and binds the gossip listener.
// onChange fires with the full sorted member list after membership
// changes settle for gossip.reassign_delay; the registry hangs partition
// reassignment off it.
func New(cfg *config.Config, onChange func(nodes []model.NodeID), logger *zap.Logger) (*Membership, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Membership{
		nodeID: model.NodeID(cfg.Node.ID),
		meta: nodeMeta{
			NodeID:  cfg.Node.ID,
			APIAddr: cfg.Node.AdvertiseAddr,
		},
		logger:   logger,
		debounce: cfg.Gossip.ReassignDelay,
		members:  map[model.NodeID]string{model.NodeID(cfg.Node.ID): cfg.Node.AdvertiseAddr},
		onChange: onChange,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.Node.ID
	mlConfig.BindPort = cfg.Gossip.BindPort
	mlConfig.Delegate = m
	mlConfig.Events = &eventDelegate{membership: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	if len(cfg.Gossip.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.Gossip.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	return m, nil
}

// Members returns the sorted list of live node IDs.
func (m *Membership) Members() []model.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked()
}

func (m *Membership) membersLocked() []model.NodeID {
	out := make([]model.NodeID, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup resolves a node's API address.
func (m *Membership) Lookup(node model.NodeID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.members[node]
	return addr, ok
}

// Leave broadcasts departure and shuts gossip down.
func (m *Membership) Leave() error {
	if err := m.memberlist.Leave(0); err != nil {
		return err
	}
	return m.memberlist.Shutdown()
}

func (m *Membership) notify() {
	m.mu.Lock()
	if m.onChange == nil {
		m.mu.Unlock()
		return
	}
	if m.debounce <= 0 {
		fn, nodes := m.onChange, m.membersLocked()
		m.mu.Unlock()
		fn(nodes)
		return
	}
	if m.pending != nil {
		m.pending.Reset(m.debounce)
		m.mu.Unlock()
		return
	}
	m.pending = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		m.pending = nil
		fn, nodes := m.onChange, m.membersLocked()
		m.mu.Unlock()
		fn(nodes)
	})
	m.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate.
func (m *Membership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(m.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (m *Membership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (m *Membership) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	membership *Membership
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.addMember(node)
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.addMember(node)
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	m := d.membership
	m.mu.Lock()
	delete(m.members, model.NodeID(node.Name))
	m.mu.Unlock()

	m.logger.Info("node left cluster", zap.String("node", node.Name))
	m.notify()
}

func (m *Membership) addMember(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.NodeID == "" {
		meta = nodeMeta{NodeID: node.Name, APIAddr: node.Address()}
	}

	m.mu.Lock()
	m.members[model.NodeID(meta.NodeID)] = meta.APIAddr
	m.mu.Unlock()

	m.logger.Info("node joined cluster",
		zap.String("node", meta.NodeID),
		zap.String("api_addr", meta.APIAddr))
	m.notify()
}
