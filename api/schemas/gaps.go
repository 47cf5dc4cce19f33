package schemas

// GapType classifies what a finalized proposal is missing.
type GapType string

const (
	GapCapability  GapType = "capability"
	GapResource    GapType = "resource"
	GapParticipant GapType = "participant"
	GapCoverage    GapType = "coverage"
	GapCondition   GapType = "condition"
)

// IsValid reports whether the gap type is a known value.
func (t GapType) IsValid() bool {
	switch t {
	case GapCapability, GapResource, GapParticipant, GapCoverage, GapCondition:
		return true
	default:
		return false
	}
}

// GapSeverity ranks how central the unmet requirement is to the demand.
type GapSeverity string

const (
	SeverityCritical GapSeverity = "critical"
	SeverityHigh     GapSeverity = "high"
	SeverityMedium   GapSeverity = "medium"
	SeverityLow      GapSeverity = "low"
)

// Rank maps severity to an ordering weight; higher sorts first.
func (s GapSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Gap is one unmet requirement found in a finalized proposal.
type Gap struct {
	ID          string      `json:"id"`
	Type        GapType     `json:"type"`
	Severity    GapSeverity `json:"severity"`
	Description string      `json:"description"`
	Requirement string      `json:"requirement"`
	// SuggestedDemand is the sub-demand text a subnet would negotiate.
	// Empty means the gap cannot spawn a subnet.
	SuggestedDemand string `json:"suggested_demand,omitempty"`
}

// EligibleForSubnet reports whether this gap may spawn a sub-negotiation:
// severity critical or high, and a suggested sub-demand present.
func (g Gap) EligibleForSubnet() bool {
	if g.SuggestedDemand == "" {
		return false
	}
	return g.Severity == SeverityCritical || g.Severity == SeverityHigh
}

// GapAnalysis is the ranked result of analyzing a finalized proposal against
// its demand and participant set.
type GapAnalysis struct {
	ChannelID string `json:"channel_id"`
	DemandID  string `json:"demand_id"`
	// Gaps are ordered highest severity first.
	Gaps []Gap `json:"gaps"`
}

// SubnetTriggers returns the gaps eligible to spawn subnets, preserving the
// severity ordering of the analysis.
func (a GapAnalysis) SubnetTriggers() []Gap {
	var eligible []Gap
	for _, g := range a.Gaps {
		if g.EligibleForSubnet() {
			eligible = append(eligible, g)
		}
	}
	return eligible
}

// SubnetStatus tracks the lifecycle of one spawned sub-negotiation.
type SubnetStatus string

const (
	SubnetPending   SubnetStatus = "pending"
	SubnetRunning   SubnetStatus = "running"
	SubnetCompleted SubnetStatus = "completed"
	SubnetFailed    SubnetStatus = "failed"
	SubnetCancelled SubnetStatus = "cancelled"
)

// Terminal reports whether the subnet status is absorbing.
func (s SubnetStatus) Terminal() bool {
	switch s {
	case SubnetCompleted, SubnetFailed, SubnetCancelled:
		return true
	default:
		return false
	}
}

// SubnetResult holds what a finished subnet produced.
type SubnetResult struct {
	Success      bool      `json:"success"`
	Proposal     *Proposal `json:"proposal,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// SubnetInfo is the arena entry for one spawned sub-negotiation. It is a
// child of exactly one parent channel; the parent is tracked by id, not by
// reference, so depth bounding stays explicit.
type SubnetInfo struct {
	ID              string        `json:"id"`
	ParentChannelID string        `json:"parent_channel_id"`
	ParentDemandID  string        `json:"parent_demand_id"`
	GapID           string        `json:"gap_id"`
	SubDemand       string        `json:"sub_demand"`
	Depth           int           `json:"depth"`
	Status          SubnetStatus  `json:"status"`
	ChildChannelID  string        `json:"child_channel_id,omitempty"`
	Result          *SubnetResult `json:"result,omitempty"`
}
