package maintenance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"anchorBot/internal/domain"
)

// Reduce policy names accepted by NewReducePolicy.
const (
	PolicyFixedFraction        = "fixed_fraction"
	PolicyTargetMarginSchedule = "target_margin_schedule"
)

// ReducePolicy decides how much of a freshly maintained position to keep.
type ReducePolicy interface {
	Name() string
	// TargetRemaining returns the size that should remain open after the reduction.
	TargetRemaining(pos *domain.Position, price float64) float64
}

// FixedFraction retains a fixed share of the combined size.
type FixedFraction struct {
	Retain float64 // e.g. 0.05 keeps 5% and closes 95%
}

func (p FixedFraction) Name() string { return PolicyFixedFraction }

func (p FixedFraction) TargetRemaining(pos *domain.Position, _ float64) float64 {
	return pos.Size * p.Retain
}

// MarginStep retains Margin (quote units) once the maintenance count reaches MinCount.
type MarginStep struct {
	MinCount int
	Margin   float64
}

// TargetMarginSchedule retains a margin amount chosen by maintenance count.
// Steps are kept sorted by MinCount.
type TargetMarginSchedule struct {
	Steps []MarginStep
}

func (p TargetMarginSchedule) Name() string { return PolicyTargetMarginSchedule }

// MarginFor returns the retained margin for a maintenance count, 0 when no step applies.
func (p TargetMarginSchedule) MarginFor(count int) float64 {
	margin := 0.0
	for _, s := range p.Steps {
		if count >= s.MinCount {
			margin = s.Margin
		}
	}
	return margin
}

func (p TargetMarginSchedule) TargetRemaining(pos *domain.Position, price float64) float64 {
	if price <= 0 || pos.Leverage <= 0 {
		return pos.Size
	}
	target := p.MarginFor(pos.MaintenanceCount) * float64(pos.Leverage) / price
	if target > pos.Size {
		return pos.Size
	}
	return target
}

// ParseMarginSchedule parses "0:10,2:20,3:30" into sorted steps.
func ParseMarginSchedule(s string) ([]MarginStep, error) {
	var steps []MarginStep
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("schedule step %q: expected count:margin", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("schedule step %q: invalid maintenance count", part)
		}
		margin, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || margin <= 0 {
			return nil, fmt.Errorf("schedule step %q: invalid margin", part)
		}
		if seen[count] {
			return nil, fmt.Errorf("schedule step %q: duplicate count %d", part, count)
		}
		seen[count] = true
		steps = append(steps, MarginStep{MinCount: count, Margin: margin})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("schedule %q has no steps", s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinCount < steps[j].MinCount })
	return steps, nil
}

// NewReducePolicy builds the policy selected by configuration.
func NewReducePolicy(name string, retain float64, schedule []MarginStep) (ReducePolicy, error) {
	switch name {
	case PolicyFixedFraction, "":
		if retain < 0 || retain >= 1 {
			return nil, fmt.Errorf("retain fraction %v must be in [0, 1)", retain)
		}
		return FixedFraction{Retain: retain}, nil
	case PolicyTargetMarginSchedule:
		if len(schedule) == 0 {
			return nil, fmt.Errorf("target margin schedule is empty")
		}
		steps := append([]MarginStep(nil), schedule...)
		sort.Slice(steps, func(i, j int) bool { return steps[i].MinCount < steps[j].MinCount })
		return TargetMarginSchedule{Steps: steps}, nil
	default:
		return nil, fmt.Errorf("unknown reduce policy %q", name)
	}
}
