package limiter

import (
	"strings"

	"gatekeeper/internal/models"
)

// Policy is the resolved limit pair for one request.
type Policy struct {
	Tier        string
	MinuteLimit int
	DayLimit    int
}

// PolicyTable resolves (tier, endpoint) to a limit pair. Endpoint overrides
// take precedence over tier defaults and replace both windows wholesale;
// there is no per-window merge.
type PolicyTable struct {
	tiers     map[string]models.TierLimits
	overrides []models.EndpointOverride
}

// NewPolicyTable builds the static policy table from configuration.
func NewPolicyTable(cfg models.LimitsConfig) *PolicyTable {
	return &PolicyTable{
		tiers:     cfg.Tiers,
		overrides: cfg.Endpoints,
	}
}

// Resolve returns the limits for a tier and endpoint. Unknown tiers fall
// back to standard, which Validate guarantees exists.
func (p *PolicyTable) Resolve(tier, endpoint string) Policy {
	limits, ok := p.tiers[tier]
	if !ok {
		tier = models.TierStandard
		limits = p.tiers[tier]
	}

	policy := Policy{
		Tier:        tier,
		MinuteLimit: limits.PerMinute,
		DayLimit:    limits.PerDay,
	}

	if override, ok := p.matchOverride(endpoint); ok {
		policy.MinuteLimit = override.PerMinute
		policy.DayLimit = override.PerDay
	}
	return policy
}

// matchOverride finds the override for an endpoint: an exact path match
// wins, otherwise the longest matching prefix among prefix overrides.
func (p *PolicyTable) matchOverride(endpoint string) (models.EndpointOverride, bool) {
	var (
		best    models.EndpointOverride
		bestLen = -1
	)
	for _, ep := range p.overrides {
		if ep.Path == endpoint {
			return ep, true
		}
		if ep.Prefix && strings.HasPrefix(endpoint, ep.Path) && len(ep.Path) > bestLen {
			best = ep
			bestLen = len(ep.Path)
		}
	}
	return best, bestLen >= 0
}
