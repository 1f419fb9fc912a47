package service

import (
	"go2-edge/internal/domain"
	"go2-edge/internal/metrics"
)

// DestinationResolver picks the final URL for a visitor. The first matching
// rule wins: OS deep link, geo, device, then the default destination.
type DestinationResolver struct{}

// Resolve returns the destination and the kind of rule that chose it.
func (DestinationResolver) Resolve(link *domain.CachedLink, req domain.Request) (string, domain.RuleKind) {
	targeting := link.Targeting
	if targeting == nil {
		targeting = domain.CompileTargeting(link)
	}
	if rule, ok := targeting.Match(req); ok {
		metrics.TargetingMatchesTotal.WithLabelValues(rule.Kind.String()).Inc()
		return rule.Destination, rule.Kind
	}
	metrics.TargetingMatchesTotal.WithLabelValues(domain.RuleDefault.String()).Inc()
	return link.DestinationURL, domain.RuleDefault
}
