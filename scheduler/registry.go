package scheduler

import (
	"fmt"
	"sort"
	"time"

	appconfig "tradeflow/config"
)

// Priority orders indicator dispatch when a tick produces more eligible jobs
// than the per-tick budget allows.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config string onto a Priority. Unknown values default
// to medium so a typo degrades scheduling instead of dropping an indicator.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Indicator names supported by the registry.
const (
	IndicatorOrderFlow     = "order_flow"
	IndicatorVolumeProfile = "volume_profile"
)

// Indicator is one registered indicator with its dispatch priority and the
// timeframes it runs on.
type Indicator struct {
	Name       string
	Priority   Priority
	Timeframes []string
}

// Registry holds the configured indicator table and timeframe intervals.
type Registry struct {
	indicators []Indicator
	intervals  map[string]time.Duration
}

// NewRegistry builds a registry from configuration. Indicators referencing an
// unknown timeframe or name are rejected so a bad table fails at startup.
func NewRegistry(cfg appconfig.SchedulerConfig) (*Registry, error) {
	intervals := make(map[string]time.Duration, len(cfg.TimeframeIntervals))
	for tf, seconds := range cfg.TimeframeIntervals {
		if seconds <= 0 {
			return nil, fmt.Errorf("timeframe %s has non-positive interval %d", tf, seconds)
		}
		intervals[tf] = time.Duration(seconds) * time.Second
	}

	indicators := make([]Indicator, 0, len(cfg.Indicators))
	for _, ic := range cfg.Indicators {
		if ic.Name != IndicatorOrderFlow && ic.Name != IndicatorVolumeProfile {
			return nil, fmt.Errorf("unknown indicator %q", ic.Name)
		}
		if len(ic.Timeframes) == 0 {
			return nil, fmt.Errorf("indicator %s has no timeframes", ic.Name)
		}
		for _, tf := range ic.Timeframes {
			if _, ok := intervals[tf]; !ok {
				return nil, fmt.Errorf("indicator %s references unknown timeframe %q", ic.Name, tf)
			}
		}
		indicators = append(indicators, Indicator{
			Name:       ic.Name,
			Priority:   ParsePriority(ic.Priority),
			Timeframes: ic.Timeframes,
		})
	}

	// stable dispatch order: highest priority first, then by name
	sort.SliceStable(indicators, func(i, j int) bool {
		if indicators[i].Priority != indicators[j].Priority {
			return indicators[i].Priority > indicators[j].Priority
		}
		return indicators[i].Name < indicators[j].Name
	})

	return &Registry{indicators: indicators, intervals: intervals}, nil
}

// Indicators returns the registered indicators in dispatch order.
func (r *Registry) Indicators() []Indicator {
	return r.indicators
}

// Interval returns the recalculation interval of a timeframe.
func (r *Registry) Interval(timeframe string) time.Duration {
	return r.intervals[timeframe]
}
