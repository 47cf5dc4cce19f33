// Package subnet manages sub-negotiations spawned from gap analysis. Every
// subnet lives in a flat arena keyed by id with parent and child indexes;
// recursion is bounded by a maximum depth and a per-parent subnet count, so a
// pathological demand cannot fan out indefinitely.
package subnet

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

// Spawner starts the child negotiation for one subnet and returns the child
// channel's id. The manager does not know how channels are built; the engine
// injects this.
type Spawner func(ctx context.Context, info schemas.SubnetInfo) (childChannelID string, err error)

// Manager owns the subnet arena.
type Manager struct {
	logger  *zap.Logger
	signals schemas.SignalSink

	maxDepth   int
	maxSubnets int

	mu       sync.Mutex
	subnets  map[string]*schemas.SubnetInfo
	byParent map[string][]string
	byChild  map[string]string
}

// New creates a manager. Zero config values get the defaults: depth 2, three
// subnets per parent.
func New(cfg config.SubnetConfig, signals schemas.SignalSink, logger *zap.Logger) (*Manager, error) {
	if signals == nil {
		return nil, errors.New("signal sink cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.MaxSubnets <= 0 {
		cfg.MaxSubnets = 3
	}
	return &Manager{
		logger:     logger.Named("subnet"),
		signals:    signals,
		maxDepth:   cfg.MaxDepth,
		maxSubnets: cfg.MaxSubnets,
		subnets:    make(map[string]*schemas.SubnetInfo),
		byParent:   make(map[string][]string),
		byChild:    make(map[string]string),
	}, nil
}

// ProcessGaps spawns subnets for the eligible gaps of one finalized channel,
// bounded by the remaining depth and per-parent budget. It returns the
// subnets it created, including any that failed to spawn.
func (m *Manager) ProcessGaps(ctx context.Context, parentChannelID string, depth int, analysis schemas.GapAnalysis, spawn Spawner) []schemas.SubnetInfo {
	if depth >= m.maxDepth {
		if len(analysis.SubnetTriggers()) > 0 {
			m.logger.Info("Maximum subnet depth reached, gaps left unaddressed",
				zap.String("channel_id", parentChannelID),
				zap.Int("depth", depth))
		}
		return nil
	}

	m.mu.Lock()
	budget := m.maxSubnets - len(m.byParent[parentChannelID])
	m.mu.Unlock()
	if budget <= 0 {
		m.logger.Info("Subnet budget for parent exhausted",
			zap.String("channel_id", parentChannelID))
		return nil
	}

	var created []schemas.SubnetInfo
	for _, gap := range analysis.SubnetTriggers() {
		if budget <= 0 {
			m.logger.Info("Subnet budget exhausted, remaining gaps dropped",
				zap.String("channel_id", parentChannelID),
				zap.String("gap_id", gap.ID))
			break
		}
		budget--
		created = append(created, m.spawnOne(ctx, parentChannelID, analysis.DemandID, gap, depth+1, spawn))
	}
	return created
}

// spawnOne registers and starts a single subnet.
func (m *Manager) spawnOne(ctx context.Context, parentChannelID, parentDemandID string, gap schemas.Gap, depth int, spawn Spawner) schemas.SubnetInfo {
	info := &schemas.SubnetInfo{
		ID:              uuid.New().String(),
		ParentChannelID: parentChannelID,
		ParentDemandID:  parentDemandID,
		GapID:           gap.ID,
		SubDemand:       gap.SuggestedDemand,
		Depth:           depth,
		Status:          schemas.SubnetPending,
	}
	m.mu.Lock()
	m.subnets[info.ID] = info
	m.byParent[parentChannelID] = append(m.byParent[parentChannelID], info.ID)
	m.mu.Unlock()

	m.post(ctx, schemas.NewSignal(parentChannelID, schemas.SignalSubnetCreated, schemas.SubnetLifecyclePayload{
		SubnetID:  info.ID,
		GapID:     gap.ID,
		SubDemand: gap.SuggestedDemand,
		Depth:     depth,
	}))
	m.logger.Info("Subnet created",
		zap.String("subnet_id", info.ID),
		zap.String("parent_channel_id", parentChannelID),
		zap.String("gap_id", gap.ID),
		zap.Int("depth", depth))

	childID, err := spawn(ctx, *info)
	m.mu.Lock()
	if err != nil {
		info.Status = schemas.SubnetFailed
		info.Result = &schemas.SubnetResult{Error: err.Error()}
		snapshot := *info
		m.mu.Unlock()
		m.post(ctx, schemas.NewSignal(parentChannelID, schemas.SignalSubnetCompleted, schemas.SubnetCompletedPayload{
			SubnetID: info.ID,
			Status:   schemas.SubnetFailed,
			Error:    err.Error(),
		}))
		m.logger.Error("Subnet failed to spawn",
			zap.String("subnet_id", info.ID), zap.Error(err))
		return snapshot
	}
	info.ChildChannelID = childID
	info.Status = schemas.SubnetRunning
	m.byChild[childID] = info.ID
	snapshot := *info
	m.mu.Unlock()

	m.post(ctx, schemas.NewSignal(parentChannelID, schemas.SignalSubnetStarted, schemas.SubnetLifecyclePayload{
		SubnetID:  info.ID,
		GapID:     gap.ID,
		SubDemand: gap.SuggestedDemand,
		Depth:     depth,
	}))
	return snapshot
}

// HandleCompleted records a child channel's terminal outcome against its
// subnet. Unknown child channels are a no-op: the channel was not a subnet.
func (m *Manager) HandleCompleted(ctx context.Context, childChannelID string, result schemas.SubnetResult) *schemas.SubnetInfo {
	m.mu.Lock()
	subnetID, ok := m.byChild[childChannelID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	info := m.subnets[subnetID]
	if info.Status.Terminal() {
		snapshot := *info
		m.mu.Unlock()
		return &snapshot
	}
	if result.Success {
		info.Status = schemas.SubnetCompleted
	} else {
		info.Status = schemas.SubnetFailed
	}
	info.Result = &result
	snapshot := *info
	m.mu.Unlock()

	m.post(ctx, schemas.NewSignal(info.ParentChannelID, schemas.SignalSubnetCompleted, schemas.SubnetCompletedPayload{
		SubnetID: subnetID,
		Status:   snapshot.Status,
		Error:    result.Error,
	}))
	m.logger.Info("Subnet completed",
		zap.String("subnet_id", subnetID),
		zap.String("status", string(snapshot.Status)),
		zap.Bool("success", result.Success))
	return &snapshot
}

// Cancel aborts a pending or running subnet. Terminal subnets are left as
// they are.
func (m *Manager) Cancel(ctx context.Context, subnetID string) {
	m.mu.Lock()
	info, ok := m.subnets[subnetID]
	if !ok || info.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	info.Status = schemas.SubnetCancelled
	parent := info.ParentChannelID
	m.mu.Unlock()

	m.post(ctx, schemas.NewSignal(parent, schemas.SignalSubnetCompleted, schemas.SubnetCompletedPayload{
		SubnetID: subnetID,
		Status:   schemas.SubnetCancelled,
	}))
	m.logger.Info("Subnet cancelled", zap.String("subnet_id", subnetID))
}

// Subnets returns copies of the subnet entries for one parent channel.
func (m *Manager) Subnets(parentChannelID string) []schemas.SubnetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byParent[parentChannelID]
	out := make([]schemas.SubnetInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.subnets[id])
	}
	return out
}

// AllTerminal reports whether every subnet of the parent has finished. True
// for a parent with no subnets.
func (m *Manager) AllTerminal(parentChannelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byParent[parentChannelID] {
		if !m.subnets[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// DepthOf returns the negotiation depth of a channel: zero for root channels,
// the subnet depth for channels spawned as subnets.
func (m *Manager) DepthOf(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	subnetID, ok := m.byChild[channelID]
	if !ok {
		return 0
	}
	return m.subnets[subnetID].Depth
}

// IntegrateResults merges completed subnet proposals into the parent's final
// proposal, producing a new proposal value. Assignments contributed by
// subnets are tagged with their origin and subnet id; participants already
// assigned in the parent keep their original assignment. Failed and cancelled
// subnets only contribute to the stats.
func (m *Manager) IntegrateResults(parentChannelID string, parent *schemas.Proposal) *schemas.Proposal {
	if parent == nil {
		return nil
	}
	subnets := m.Subnets(parentChannelID)
	if len(subnets) == 0 {
		return parent
	}

	merged := *parent
	merged.Assignments = append([]schemas.Assignment(nil), parent.Assignments...)
	assigned := make(map[string]struct{}, len(merged.Assignments))
	for _, a := range merged.Assignments {
		assigned[a.ParticipantID] = struct{}{}
	}

	stats := schemas.SubnetStats{Total: len(subnets)}
	for _, sn := range subnets {
		switch sn.Status {
		case schemas.SubnetCompleted:
			stats.Succeeded++
		case schemas.SubnetFailed, schemas.SubnetCancelled:
			stats.Failed++
		}
		if sn.Status != schemas.SubnetCompleted || sn.Result == nil || sn.Result.Proposal == nil {
			continue
		}
		for _, a := range sn.Result.Proposal.Assignments {
			if _, dup := assigned[a.ParticipantID]; dup {
				continue
			}
			assigned[a.ParticipantID] = struct{}{}
			a.Origin = schemas.OriginSubnet
			a.SubnetID = sn.ID
			merged.Assignments = append(merged.Assignments, a)
		}
	}
	merged.SubnetStats = &stats

	m.logger.Info("Subnet results integrated into parent proposal",
		zap.String("channel_id", parentChannelID),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("assignments", len(merged.Assignments)))
	return &merged
}

func (m *Manager) post(ctx context.Context, sig schemas.Signal) {
	if err := m.signals.Post(ctx, sig); err != nil {
		m.logger.Warn("Failed to post subnet signal",
			zap.String("signal", string(sig.Type)), zap.Error(err))
	}
}
