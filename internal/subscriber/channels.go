// Package subscriber implements C4: the event subscriber that reads the
// four ingress channels, tolerantly parses their envelopes, and dispatches
// to the cache, user filter, fan-out, offline buffer, and flow logger.
package subscriber

// EventKind tags a dispatched event by its origin channel.
type EventKind string

const (
	KindPatternDetected EventKind = "pattern_detected"
	KindBacktestProgress EventKind = "backtest_progress"
	KindBacktestResult   EventKind = "backtest_result"
	KindSystemHealth     EventKind = "system_health"
)

// Channels names every ingress channel the subscriber opens, with the kind
// it carries. Names are configurable but default to the wire contract.
type Channels struct {
	Patterns            string
	BacktestingProgress string
	BacktestingResults  string
	HealthStatus        string
}

// DefaultChannels returns the wire-contract default channel names.
func DefaultChannels() Channels {
	return Channels{
		Patterns:            "tickstock.events.patterns",
		BacktestingProgress: "tickstock.events.backtesting.progress",
		BacktestingResults:  "tickstock.events.backtesting.results",
		HealthStatus:        "tickstock.health.status",
	}
}

// kindFor maps a channel name to the event kind it carries.
func (c Channels) kindFor(channel string) (EventKind, bool) {
	switch channel {
	case c.Patterns:
		return KindPatternDetected, true
	case c.BacktestingProgress:
		return KindBacktestProgress, true
	case c.BacktestingResults:
		return KindBacktestResult, true
	case c.HealthStatus:
		return KindSystemHealth, true
	default:
		return "", false
	}
}

// names lists the channels in a fixed order, used to open the subscription.
func (c Channels) names() []string {
	return []string{c.Patterns, c.BacktestingProgress, c.BacktestingResults, c.HealthStatus}
}
