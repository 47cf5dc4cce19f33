// Package gapanalysis inspects a finalized proposal against its originating
// demand and reports what is still missing: participants the demand expected
// but did not get, requirements nothing covers, and offer conditions the
// proposal never addressed. The analysis is pure; acting on the gaps is the
// subnet manager's job.
package gapanalysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
)

// SeverityPolicy tunes how shortfalls map to severities.
type SeverityPolicy struct {
	// CriticalShortfall is the participant shortfall ratio at or above which
	// a participant gap is critical rather than high.
	CriticalShortfall float64
}

// DefaultSeverityPolicy marks a participant gap critical when half or more of
// the expected headcount is missing.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{CriticalShortfall: 0.5}
}

// Identifier runs gap analysis over finalized proposals.
type Identifier struct {
	logger *zap.Logger
	policy SeverityPolicy
}

// New creates an identifier. A zero policy gets the defaults.
func New(policy SeverityPolicy, logger *zap.Logger) *Identifier {
	if policy.CriticalShortfall <= 0 {
		policy = DefaultSeverityPolicy()
	}
	return &Identifier{
		logger: logger.Named("gapanalysis"),
		policy: policy,
	}
}

// Analyze compares the finalized proposal with the demand and the collected
// offers and returns the gaps, ordered highest severity first.
func (i *Identifier) Analyze(channelID string, demand *schemas.Demand, proposal *schemas.Proposal, offers []schemas.Offer) schemas.GapAnalysis {
	analysis := schemas.GapAnalysis{
		ChannelID: channelID,
		DemandID:  demand.ID,
	}
	if proposal == nil {
		return analysis
	}

	analysis.Gaps = append(analysis.Gaps, i.participantGaps(demand, proposal)...)
	analysis.Gaps = append(analysis.Gaps, i.requirementGaps(demand, proposal)...)
	analysis.Gaps = append(analysis.Gaps, i.conditionGaps(proposal, offers)...)

	// Highest severity first; ties break on requirement text so the order is
	// stable for the subnet manager's bounded selection.
	sort.SliceStable(analysis.Gaps, func(a, b int) bool {
		ra, rb := analysis.Gaps[a].Severity.Rank(), analysis.Gaps[b].Severity.Rank()
		if ra != rb {
			return ra > rb
		}
		return analysis.Gaps[a].Requirement < analysis.Gaps[b].Requirement
	})

	if len(analysis.Gaps) > 0 {
		i.logger.Info("Gap analysis found unmet requirements",
			zap.String("channel_id", channelID),
			zap.String("demand_id", demand.ID),
			zap.Int("gaps", len(analysis.Gaps)))
	}
	return analysis
}

// participantGaps checks the proposal's headcount against the demand's
// expected scale.
func (i *Identifier) participantGaps(demand *schemas.Demand, proposal *schemas.Proposal) []schemas.Gap {
	if demand.ExpectedScale <= 0 {
		return nil
	}
	assigned := make(map[string]struct{})
	for _, a := range proposal.Assignments {
		assigned[a.ParticipantID] = struct{}{}
	}
	missing := demand.ExpectedScale - len(assigned)
	if missing <= 0 {
		return nil
	}

	shortfall := float64(missing) / float64(demand.ExpectedScale)
	severity := schemas.SeverityHigh
	if shortfall >= i.policy.CriticalShortfall {
		severity = schemas.SeverityCritical
	}
	return []schemas.Gap{{
		ID:          uuid.New().String(),
		Type:        schemas.GapParticipant,
		Severity:    severity,
		Description: fmt.Sprintf("proposal has %d participants, demand expects %d", len(assigned), demand.ExpectedScale),
		Requirement: fmt.Sprintf("%d participants", demand.ExpectedScale),
		SuggestedDemand: fmt.Sprintf("Recruit %d additional participants for: %s",
			missing, demandLabel(demand)),
	}}
}

// requirementGaps checks each demand requirement for coverage by the
// proposal's assignments. Uncovered core requirements are resource gaps that
// can spawn a subnet; uncovered auxiliary requirements are coverage gaps that
// only get reported.
func (i *Identifier) requirementGaps(demand *schemas.Demand, proposal *schemas.Proposal) []schemas.Gap {
	core := make(map[string]struct{}, len(demand.CoreRequirements))
	for _, req := range demand.CoreRequirements {
		core[req] = struct{}{}
	}

	seen := make(map[string]struct{})
	all := make([]string, 0, len(demand.Requirements)+len(demand.CoreRequirements))
	for _, req := range append(append([]string{}, demand.Requirements...), demand.CoreRequirements...) {
		if req == "" {
			continue
		}
		if _, dup := seen[req]; dup {
			continue
		}
		seen[req] = struct{}{}
		all = append(all, req)
	}

	var gaps []schemas.Gap
	for _, req := range all {
		if covers(proposal, req) {
			continue
		}
		if _, isCore := core[req]; isCore {
			gaps = append(gaps, schemas.Gap{
				ID:          uuid.New().String(),
				Type:        schemas.GapResource,
				Severity:    schemas.SeverityHigh,
				Description: fmt.Sprintf("core requirement %q is not covered by any assignment", req),
				Requirement: req,
				SuggestedDemand: fmt.Sprintf("Provide %s for: %s",
					req, demandLabel(demand)),
			})
			continue
		}
		gaps = append(gaps, schemas.Gap{
			ID:          uuid.New().String(),
			Type:        schemas.GapCoverage,
			Severity:    schemas.SeverityMedium,
			Description: fmt.Sprintf("requirement %q is not covered by any assignment", req),
			Requirement: req,
		})
	}
	return gaps
}

// conditionGaps reports offer conditions the proposal text never addresses.
func (i *Identifier) conditionGaps(proposal *schemas.Proposal, offers []schemas.Offer) []schemas.Gap {
	var gaps []schemas.Gap
	for _, o := range offers {
		for _, cond := range o.Conditions {
			if cond == "" || addresses(proposal, cond) {
				continue
			}
			gaps = append(gaps, schemas.Gap{
				ID:       uuid.New().String(),
				Type:     schemas.GapCondition,
				Severity: schemas.SeverityLow,
				Description: fmt.Sprintf("condition from %s is not addressed: %s",
					o.ParticipantID, cond),
				Requirement: cond,
			})
		}
	}
	return gaps
}

// covers reports whether any assignment's role or responsibility mentions the
// requirement.
func covers(proposal *schemas.Proposal, requirement string) bool {
	needle := strings.ToLower(requirement)
	for _, a := range proposal.Assignments {
		if strings.Contains(strings.ToLower(a.Responsibility), needle) ||
			strings.Contains(strings.ToLower(a.Role), needle) {
			return true
		}
	}
	return false
}

// addresses reports whether the proposal summary or any assignment mentions
// the condition.
func addresses(proposal *schemas.Proposal, condition string) bool {
	needle := strings.ToLower(condition)
	if strings.Contains(strings.ToLower(proposal.Summary), needle) {
		return true
	}
	return covers(proposal, condition)
}

func demandLabel(d *schemas.Demand) string {
	if d.Title != "" {
		return d.Title
	}
	return d.ID
}
