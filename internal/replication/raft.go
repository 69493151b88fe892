package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// RaftTransport carries raft messages between nodes. The HTTP server
// implements it in production; tests use an in-process loopback.
type RaftTransport interface {
	Send(to model.NodeID, ref model.PartitionRef, msg raftpb.Message) error
}

// proposalEnvelope wraps a proposed entry so the proposing node can match
// the applied entry back to the waiting caller.
type proposalEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type raftGroup struct {
	ref     model.PartitionRef
	node    raft.Node
	storage *raft.MemoryStorage
	peers   map[uint64]model.NodeID

	mu        sync.Mutex
	proposals map[string]chan error
	leader    uint64

	stopCh chan struct{}
}

// RaftPrimitive implements Primitive with one etcd raft group per
// partition. Log and state are kept in raft.MemoryStorage; durability of
// row data is delegated to the partition stores and the decision log.
type RaftPrimitive struct {
	nodeID       model.NodeID
	raftID       uint64
	applier      Applier
	transport    RaftTransport
	logger       *zap.Logger
	tickInterval time.Duration

	mu        sync.RWMutex
	groups    map[model.PartitionRef]*raftGroup
	listeners []func(ref model.PartitionRef, leader model.NodeID)

	wg sync.WaitGroup
}

// NewRaftPrimitive creates the primitive for one node. raftID must be the
// node's stable numeric id inside every group it participates in.
func NewRaftPrimitive(nodeID model.NodeID, raftID uint64, applier Applier, transport RaftTransport, logger *zap.Logger) *RaftPrimitive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RaftPrimitive{
		nodeID:       nodeID,
		raftID:       raftID,
		applier:      applier,
		transport:    transport,
		logger:       logger,
		tickInterval: 100 * time.Millisecond,
		groups:       make(map[model.PartitionRef]*raftGroup),
	}
}

// StartGroup joins this node to the raft group replicating one partition.
// peers maps raft ids to node ids for every replica, this node included.
func (p *RaftPrimitive) StartGroup(ref model.PartitionRef, peers map[uint64]model.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.groups[ref]; ok {
		return nil
	}

	storage := raft.NewMemoryStorage()
	cfg := &raft.Config{
		ID:              p.raftID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}

	raftPeers := make([]raft.Peer, 0, len(peers))
	for id := range peers {
		raftPeers = append(raftPeers, raft.Peer{ID: id})
	}

	g := &raftGroup{
		ref:       ref,
		node:      raft.StartNode(cfg, raftPeers),
		storage:   storage,
		peers:     peers,
		proposals: make(map[string]chan error),
		stopCh:    make(chan struct{}),
	}
	p.groups[ref] = g

	p.wg.Add(1)
	go p.run(g)
	return nil
}

func (p *RaftPrimitive) run(g *raftGroup) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			g.node.Stop()
			return
		case <-ticker.C:
			g.node.Tick()
		case rd := <-g.node.Ready():
			p.handleReady(g, rd)
		}
	}
}

func (p *RaftPrimitive) handleReady(g *raftGroup, rd raft.Ready) {
	if err := g.storage.Append(rd.Entries); err != nil {
		p.logger.Error("failed to append raft entries",
			zap.String("zone", g.ref.Zone),
			zap.Uint32("partition", uint32(g.ref.Partition)),
			zap.Error(err))
		return
	}

	if rd.SoftState != nil {
		p.observeLeader(g, rd.SoftState.Lead)
	}

	for _, msg := range rd.Messages {
		if msg.To == p.raftID {
			continue
		}
		to, ok := g.peers[msg.To]
		if !ok {
			continue
		}
		go func(to model.NodeID, m raftpb.Message) {
			if err := p.transport.Send(to, g.ref, m); err != nil {
				p.logger.Debug("failed to send raft message",
					zap.String("to", string(to)), zap.Error(err))
			}
		}(to, msg)
	}

	for _, entry := range rd.CommittedEntries {
		p.applyEntry(g, entry)
	}

	g.node.Advance()
}

func (p *RaftPrimitive) applyEntry(g *raftGroup, entry raftpb.Entry) {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err == nil {
				g.node.ApplyConfChange(cc)
			}
		}
		return
	}

	var env proposalEnvelope
	if err := json.Unmarshal(entry.Data, &env); err != nil {
		p.logger.Error("failed to decode proposal envelope", zap.Error(err))
		return
	}

	applyErr := p.applier.Apply(g.ref, env.Data)
	if applyErr != nil {
		p.logger.Error("failed to apply partition log entry",
			zap.String("zone", g.ref.Zone),
			zap.Uint32("partition", uint32(g.ref.Partition)),
			zap.Error(applyErr))
	}

	g.mu.Lock()
	ch, ok := g.proposals[env.ID]
	if ok {
		delete(g.proposals, env.ID)
	}
	g.mu.Unlock()
	if ok {
		ch <- applyErr
	}
}

func (p *RaftPrimitive) observeLeader(g *raftGroup, lead uint64) {
	g.mu.Lock()
	changed := g.leader != lead
	g.leader = lead
	g.mu.Unlock()
	if !changed || lead == raft.None {
		return
	}

	leaderNode, ok := g.peers[lead]
	if !ok {
		return
	}
	p.mu.RLock()
	listeners := append(p.listeners[:0:0], p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(g.ref, leaderNode)
	}
}

func (p *RaftPrimitive) Propose(ctx context.Context, ref model.PartitionRef, data []byte) error {
	p.mu.RLock()
	g, ok := p.groups[ref]
	p.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.CodePartitionUnavailable,
			"node does not replicate partition %s/%d", ref.Zone, ref.Partition)
	}

	env := proposalEnvelope{ID: uuid.NewString(), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	g.mu.Lock()
	g.proposals[env.ID] = done
	g.mu.Unlock()

	if err := g.node.Propose(ctx, payload); err != nil {
		g.mu.Lock()
		delete(g.proposals, env.ID)
		g.mu.Unlock()
		return errors.Wrap(errors.CodePartitionUnavailable, "raft propose failed", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.proposals, env.ID)
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Step feeds a raft message received from a peer into the right group.
func (p *RaftPrimitive) Step(ctx context.Context, ref model.PartitionRef, msg raftpb.Message) error {
	p.mu.RLock()
	g, ok := p.groups[ref]
	p.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.CodePartitionUnavailable,
			"node does not replicate partition %s/%d", ref.Zone, ref.Partition)
	}
	return g.node.Step(ctx, msg)
}

func (p *RaftPrimitive) CurrentLeader(ref model.PartitionRef) (model.NodeID, bool) {
	p.mu.RLock()
	g, ok := p.groups[ref]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	g.mu.Lock()
	lead := g.leader
	g.mu.Unlock()
	if lead == raft.None {
		return "", false
	}
	node, ok := g.peers[lead]
	return node, ok
}

func (p *RaftPrimitive) OnLeaderChange(fn func(ref model.PartitionRef, leader model.NodeID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *RaftPrimitive) Stop() {
	p.mu.Lock()
	for _, g := range p.groups {
		close(g.stopCh)
	}
	p.groups = make(map[model.PartitionRef]*raftGroup)
	p.mu.Unlock()
	p.wg.Wait()
}
