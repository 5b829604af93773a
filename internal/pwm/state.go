package pwm

import (
	"fmt"

	"pwmd/internal/errcode"
	"pwmd/internal/sysfs"
)

// Stage is the life-cycle position of one channel.
//
// Disabled is not a separate stage: a channel leaving Enabled returns to
// Configured.
type Stage uint8

const (
	Unexported Stage = iota
	Exported
	Configured
	Enabled
)

func (s Stage) String() string {
	switch s {
	case Unexported:
		return "unexported"
	case Exported:
		return "exported"
	case Configured:
		return "configured"
	case Enabled:
		return "enabled"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ChannelID names one PWM output line.
type ChannelID struct {
	Chip    uint32
	Channel uint32
}

func (id ChannelID) String() string {
	return fmt.Sprintf("pwmchip%d/pwm%d", id.Chip, id.Channel)
}

// Settings only carry meaning once a channel is Configured.
type Settings struct {
	PeriodNs    uint64
	DutyCycleNs uint64
	Polarity    sysfs.Polarity
}

// State is one channel's record. Transitions are pure: each returns the
// state to commit after the kernel write succeeds, or a guard error before
// any write is attempted.
type State struct {
	stage    Stage
	owner    string
	settings Settings
}

func (s State) Stage() Stage  { return s.stage }
func (s State) Owner() string { return s.owner }

// Settings returns the channel settings; ok is false before Configured.
func (s State) Settings() (Settings, bool) {
	if s.stage < Configured {
		return Settings{}, false
	}
	return s.settings, true
}

const (
	msgNotExported     = "channel not exported"
	msgAlreadyExported = "channel already exported"
	msgNotConfigured   = "channel not configured (set period first)"
	msgEnabled         = "channel currently enabled"
	msgAlreadyEnabled  = "channel already enabled"
	msgNotEnabled      = "channel not enabled"
	msgDutyExceeds     = "duty cycle exceeds period"
	msgPeriodUnset     = "period not set"
)

func guard(kind errcode.Kind, msg string) error {
	return &errcode.Error{Kind: kind, Msg: msg}
}

func (s State) export(owner string) (State, error) {
	if s.stage != Unexported {
		return s, guard(errcode.InvalidState, msgAlreadyExported)
	}
	// Freshly exported channels start from the kernel defaults.
	return State{stage: Exported, owner: owner}, nil
}

// seeded applies a kernel readback to an exported record. A channel the
// kernel already gave a period comes up Configured, or Enabled when it is
// running with a duty cycle that fits.
func (s State) seeded(kv KernelView) State {
	pol, _ := sysfs.ParsePolarity(kv.Polarity)
	next := s
	next.settings = Settings{PeriodNs: kv.PeriodNs, DutyCycleNs: kv.DutyCycleNs, Polarity: pol}
	switch {
	case kv.PeriodNs == 0:
		next.stage = Exported
		next.settings.DutyCycleNs = 0
	case kv.Enabled && kv.DutyCycleNs <= kv.PeriodNs:
		next.stage = Enabled
	default:
		next.stage = Configured
	}
	return next
}

func (s State) setPeriod(ns uint64) (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Exported:
		next := s
		next.stage = Configured
		next.settings.PeriodNs = ns
		next.settings.DutyCycleNs = 0
		return next, nil
	default:
		if s.settings.DutyCycleNs > ns {
			return s, guard(errcode.InvalidArgument, msgDutyExceeds)
		}
		next := s
		next.settings.PeriodNs = ns
		return next, nil
	}
}

func (s State) setDutyCycle(ns uint64) (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Exported:
		return s, guard(errcode.InvalidState, msgNotConfigured)
	}
	if ns > s.settings.PeriodNs {
		return s, guard(errcode.InvalidArgument, msgDutyExceeds)
	}
	next := s
	next.settings.DutyCycleNs = ns
	return next, nil
}

func (s State) setPolarity(p sysfs.Polarity) (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Exported:
		return s, guard(errcode.InvalidState, msgNotConfigured)
	case Enabled:
		// Most drivers refuse polarity changes on a running output.
		return s, guard(errcode.InvalidState, msgEnabled)
	}
	next := s
	next.settings.Polarity = p
	return next, nil
}

func (s State) enable() (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Exported:
		return s, guard(errcode.InvalidState, msgNotConfigured)
	case Enabled:
		return s, guard(errcode.InvalidState, msgAlreadyEnabled)
	}
	if s.settings.PeriodNs == 0 {
		return s, guard(errcode.InvalidState, msgPeriodUnset)
	}
	if s.settings.DutyCycleNs > s.settings.PeriodNs {
		return s, guard(errcode.InvalidArgument, msgDutyExceeds)
	}
	next := s
	next.stage = Enabled
	return next, nil
}

func (s State) disable() (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Enabled:
		next := s
		next.stage = Configured
		return next, nil
	default:
		return s, guard(errcode.InvalidState, msgNotEnabled)
	}
}

func (s State) unexport() (State, error) {
	switch s.stage {
	case Unexported:
		return s, guard(errcode.InvalidState, msgNotExported)
	case Enabled:
		return s, guard(errcode.InvalidState, msgEnabled)
	}
	return State{}, nil
}
