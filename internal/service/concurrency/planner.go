package concurrency

import "github.com/acme/campaign-dialer/internal/domain"

// PlannerConfig holds the account-wide limits.
type PlannerConfig struct {
	MaxLaunchesPerTick int
	ProviderCeiling    int
	SafetyBuffer       int
}

// Planner decides how many calls a campaign may launch right now.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner constructs a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	return &Planner{cfg: cfg}
}

// PlanInput is a snapshot of the counts a plan is computed from.
type PlanInput struct {
	Mode             domain.DispatchMode
	Cap              int
	Occupying        int
	AccountOccupying int
}

// Plan returns the number of launches allowed; never negative.
func (p *Planner) Plan(in PlanInput) int {
	var n int
	switch in.Mode {
	case domain.DispatchModeBatch:
		if in.Occupying > 0 {
			return 0
		}
		n = in.Cap
	default:
		n = in.Cap - in.Occupying
		if n <= 0 {
			return 0
		}
		if p.cfg.MaxLaunchesPerTick > 0 && n > p.cfg.MaxLaunchesPerTick {
			n = p.cfg.MaxLaunchesPerTick
		}
	}

	if headroom := p.headroom(in.AccountOccupying); n > headroom {
		n = headroom
	}
	if n < 0 {
		return 0
	}
	return n
}

// Room returns how many more calls may be placed while a wave is in flight: the
// campaign's free cap clamped by account headroom. Batch gating and the per-tick
// limit apply only to Plan.
func (p *Planner) Room(in PlanInput) int {
	n := in.Cap - in.Occupying
	if headroom := p.headroom(in.AccountOccupying); n > headroom {
		n = headroom
	}
	if n < 0 {
		return 0
	}
	return n
}

func (p *Planner) headroom(accountOccupying int) int {
	h := p.cfg.ProviderCeiling - p.cfg.SafetyBuffer - accountOccupying
	if h < 0 {
		return 0
	}
	return h
}
