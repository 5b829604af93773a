package pwm

import (
	"context"
	"sort"

	"pwmd/internal/errcode"
)

// ChannelInfo is a read-only view of one resident record.
type ChannelInfo struct {
	Chip        uint32  `json:"chip"`
	Channel     uint32  `json:"channel"`
	Stage       string  `json:"stage"`
	Owner       string  `json:"owner,omitempty"`
	PeriodNs    *uint64 `json:"period_ns,omitempty"`
	DutyCycleNs *uint64 `json:"duty_cycle_ns,omitempty"`
	Polarity    string  `json:"polarity,omitempty"`
}

func infoOf(id ChannelID, s State) ChannelInfo {
	info := ChannelInfo{
		Chip:    id.Chip,
		Channel: id.Channel,
		Stage:   s.stage.String(),
		Owner:   s.owner,
	}
	if set, ok := s.Settings(); ok {
		period, duty := set.PeriodNs, set.DutyCycleNs
		info.PeriodNs = &period
		info.DutyCycleNs = &duty
		info.Polarity = set.Polarity.String()
	}
	return info
}

// Channels returns every resident record, ordered by chip then channel.
func (r *Registry) Channels(ctx context.Context) ([]ChannelInfo, error) {
	r.mu.Lock()
	ids := make([]ChannelID, 0, len(r.chans))
	for id := range r.chans {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Chip != ids[j].Chip {
			return ids[i].Chip < ids[j].Chip
		}
		return ids[i].Channel < ids[j].Channel
	})

	out := make([]ChannelInfo, 0, len(ids))
	for _, id := range ids {
		err := r.locked(ctx, "snapshot", id, func(e *entry) error {
			out = append(out, infoOf(id, e.state))
			return nil
		})
		switch {
		case err == nil, errcode.Is(err, errcode.InvalidState):
			// Unexported since the id list was taken.
		default:
			return nil, err
		}
	}
	return out, nil
}

// KernelView is what the attribute files say right now.
type KernelView struct {
	PeriodNs    uint64 `json:"period_ns"`
	DutyCycleNs uint64 `json:"duty_cycle_ns"`
	Polarity    string `json:"polarity"`
	Enabled     bool   `json:"enabled"`
}

// Inspection pairs a record with a kernel readback. Drift is reported only;
// the registry never rewrites the kernel to match.
type Inspection struct {
	ChannelInfo
	Kernel      *KernelView `json:"kernel,omitempty"`
	KernelError string      `json:"kernel_error,omitempty"`
	Drift       bool        `json:"drift"`
}

// Inspect reads the channel's attributes back and compares them with the
// record. It needs a Bridge that implements KernelReader.
func (r *Registry) Inspect(ctx context.Context, id ChannelID) (Inspection, error) {
	var out Inspection
	err := r.locked(ctx, "inspect", id, func(e *entry) error {
		out.ChannelInfo = infoOf(id, e.state)
		kr, ok := r.bridge.(KernelReader)
		if !ok {
			return nil
		}
		kv, err := readKernel(kr, id)
		if err != nil {
			out.KernelError = err.Error()
			out.Drift = true
			return nil
		}
		out.Kernel = &kv
		out.Drift = drifted(e.state, kv)
		return nil
	})
	return out, err
}

func readKernel(kr KernelReader, id ChannelID) (KernelView, error) {
	var kv KernelView
	var err error
	if kv.Enabled, err = kr.ReadEnable(id.Chip, id.Channel); err != nil {
		return kv, err
	}
	if kv.PeriodNs, err = kr.ReadPeriod(id.Chip, id.Channel); err != nil {
		return kv, err
	}
	if kv.DutyCycleNs, err = kr.ReadDutyCycle(id.Chip, id.Channel); err != nil {
		return kv, err
	}
	pol, err := kr.ReadPolarity(id.Chip, id.Channel)
	if err != nil {
		return kv, err
	}
	kv.Polarity = pol.String()
	return kv, nil
}

func drifted(s State, kv KernelView) bool {
	if kv.Enabled != (s.stage == Enabled) {
		return true
	}
	set, ok := s.Settings()
	if !ok {
		return false
	}
	return set.PeriodNs != kv.PeriodNs || set.DutyCycleNs != kv.DutyCycleNs || set.Polarity.String() != kv.Polarity
}
