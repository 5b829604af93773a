// Package pwm tracks PWM channel life cycles and serializes every transition
// against the kernel.
//
// Locking is per channel: a call holds its channel's lock for the whole
// validate, write, commit sequence. The map of records has its own lock,
// held only for lookup, insert and remove and never across a Bridge call.
package pwm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pwmd/internal/errcode"
	"pwmd/internal/logging"
	"pwmd/internal/sysfs"
)

// Bridge is the kernel-facing side the registry drives. *sysfs.Bridge
// implements it.
type Bridge interface {
	Chips() ([]uint32, error)
	Npwm(chip uint32) (uint32, error)
	ChannelExists(chip, channel uint32) bool
	WriteExport(chip, channel uint32) error
	WriteUnexport(chip, channel uint32) error
	WritePeriod(chip, channel uint32, ns uint64) error
	WriteDutyCycle(chip, channel uint32, ns uint64) error
	WritePolarity(chip, channel uint32, p sysfs.Polarity) error
	WriteEnable(chip, channel uint32, on bool) error
}

// KernelReader is optionally implemented by a Bridge that can read
// attributes back for diagnostics.
type KernelReader interface {
	ReadPeriod(chip, channel uint32) (uint64, error)
	ReadDutyCycle(chip, channel uint32) (uint64, error)
	ReadPolarity(chip, channel uint32) (sysfs.Polarity, error)
	ReadEnable(chip, channel uint32) (bool, error)
}

type Config struct {
	// ExportSettle bounds how long Export waits for the kernel (and udev)
	// to create the channel node. Zero checks once.
	ExportSettle time.Duration
	Logger       *slog.Logger
}

// ChipInfo describes a discovered controller.
type ChipInfo struct {
	Index uint32 `json:"index"`
	Npwm  uint32 `json:"npwm"`
}

type entry struct {
	sem   chan struct{}
	state State
	// gone is set, under the entry lock, once the record left the map.
	gone bool
}

func (e *entry) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.sem }

type Registry struct {
	bridge    Bridge
	log       *slog.Logger
	settle    time.Duration
	pollEvery time.Duration

	mu     sync.Mutex
	chans  map[ChannelID]*entry
	chips  map[uint32]uint32
	counts [Enabled + 1]int
}

func NewRegistry(b Bridge, cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		bridge:    b,
		log:       log,
		settle:    cfg.ExportSettle,
		pollEvery: 10 * time.Millisecond,
		chans:     make(map[ChannelID]*entry),
		chips:     make(map[uint32]uint32),
	}
}

// Discover lists the chips below the sysfs root and caches their npwm.
// Chips whose npwm cannot be read are skipped and retried lazily.
func (r *Registry) Discover() ([]ChipInfo, error) {
	idx, err := r.bridge.Chips()
	if err != nil {
		return nil, err
	}
	for _, c := range idx {
		n, err := r.bridge.Npwm(c)
		if err != nil {
			r.log.Warn("pwm: skipping chip with unreadable npwm", "chip", c, "error", err)
			continue
		}
		r.mu.Lock()
		r.chips[c] = n
		r.mu.Unlock()
	}
	return r.Chips(), nil
}

// Chips returns the chips identified so far.
func (r *Registry) Chips() []ChipInfo {
	r.mu.Lock()
	out := make([]ChipInfo, 0, len(r.chips))
	for c, n := range r.chips {
		out = append(out, ChipInfo{Index: c, Npwm: n})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Npwm returns the channel count of chip, probing it on first reference.
func (r *Registry) Npwm(chip uint32) (uint32, error) {
	r.mu.Lock()
	n, ok := r.chips[chip]
	r.mu.Unlock()
	if ok {
		return n, nil
	}
	n, err := r.bridge.Npwm(chip)
	if err != nil {
		var ioe *sysfs.IoError
		if errors.As(err, &ioe) && ioe.Class == sysfs.ClassNotFound {
			return 0, errcode.Wrap(errcode.ChannelUnavailable, "npwm", chip, 0, "chip not found", err)
		}
		return 0, r.kernelErr("npwm", ChannelID{Chip: chip}, err)
	}
	r.mu.Lock()
	r.chips[chip] = n
	r.mu.Unlock()
	return n, nil
}

func (r *Registry) checkChannel(op string, id ChannelID) error {
	n, err := r.Npwm(id.Chip)
	if err != nil {
		return annotate(err, op, id)
	}
	if id.Channel >= n {
		return errcode.New(errcode.ChannelUnavailable, op, id.Chip, id.Channel, "channel index out of range")
	}
	return nil
}

func (r *Registry) lookup(id ChannelID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[id]
}

// lookupOrCreate returns the record for id. A record it creates is handed
// back already locked so no other caller can observe it half-built.
func (r *Registry) lookupOrCreate(id ChannelID) (e *entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.chans[id]; ok {
		return e, false
	}
	e = &entry{sem: make(chan struct{}, 1)}
	e.sem <- struct{}{}
	r.chans[id] = e
	return e, true
}

// drop removes e from the map. The caller holds e's lock.
func (r *Registry) drop(id ChannelID, e *entry) {
	r.mu.Lock()
	if r.chans[id] == e {
		delete(r.chans, id)
	}
	if e.state.stage != Unexported {
		r.counts[e.state.stage]--
	}
	r.mu.Unlock()
	e.state = State{}
	e.gone = true
}

// commit stores next as e's state. The caller holds e's lock.
func (r *Registry) commit(op string, id ChannelID, e *entry, next State) {
	prev := e.state.stage
	r.mu.Lock()
	if prev != Unexported {
		r.counts[prev]--
	}
	if next.stage != Unexported {
		r.counts[next.stage]++
	}
	r.mu.Unlock()
	e.state = next
	r.log.Debug("pwm: transition", "op", op, "channel", id.String(), "from", prev.String(), "to", next.stage.String())
}

// StageCounts returns how many resident records sit in each stage.
func (r *Registry) StageCounts() map[Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[Stage]int{
		Exported:   r.counts[Exported],
		Configured: r.counts[Configured],
		Enabled:    r.counts[Enabled],
	}
}

func (r *Registry) acquire(ctx context.Context, op string, id ChannelID, e *entry) error {
	if err := e.acquire(ctx); err != nil {
		return errcode.Wrap(errcode.Canceled, op, id.Chip, id.Channel, "canceled before start", err)
	}
	return nil
}

// locked runs fn with the resident record for id locked. A missing record
// means the channel is not exported.
func (r *Registry) locked(ctx context.Context, op string, id ChannelID, fn func(e *entry) error) error {
	e := r.lookup(id)
	if e == nil {
		return errcode.New(errcode.InvalidState, op, id.Chip, id.Channel, msgNotExported)
	}
	if err := r.acquire(ctx, op, id, e); err != nil {
		return err
	}
	defer e.release()
	if e.gone {
		return errcode.New(errcode.InvalidState, op, id.Chip, id.Channel, msgNotExported)
	}
	if e.state.stage == Unexported {
		// Only an in-flight Export may hold an Unexported record, and it
		// holds the lock while doing so.
		r.log.Error("pwm: resident record in unexported stage", "op", op, "channel", id.String())
		return errcode.New(errcode.Internal, op, id.Chip, id.Channel, "registry invariant violated")
	}
	return fn(e)
}

// apply validates step against the current state, performs write and
// commits only when the write succeeded.
func (r *Registry) apply(ctx context.Context, op string, id ChannelID, step func(State) (State, error), write func() error) error {
	return r.locked(ctx, op, id, func(e *entry) error {
		next, err := step(e.state)
		if err != nil {
			return annotate(err, op, id)
		}
		if err := write(); err != nil {
			return r.kernelErr(op, id, err)
		}
		r.commit(op, id, e, next)
		return nil
	})
}

// Export claims a channel for owner. An empty owner gets a generated token.
func (r *Registry) Export(ctx context.Context, id ChannelID, owner string) error {
	const op = "export"
	if err := r.checkChannel(op, id); err != nil {
		return err
	}
	if owner == "" {
		owner = uuid.NewString()
	}

	var e *entry
	for {
		var created bool
		e, created = r.lookupOrCreate(id)
		if created {
			break
		}
		if err := r.acquire(ctx, op, id, e); err != nil {
			return err
		}
		if !e.gone {
			break
		}
		// Unexported (or a failed Export) won the race; start over.
		e.release()
	}
	defer e.release()

	if e.state.stage != Unexported && !r.bridge.ChannelExists(id.Chip, id.Channel) {
		// Someone unexported the channel out-of-band; our record is stale.
		r.log.Warn("pwm: reclaiming stale record", "channel", id.String(), "stage", e.state.stage.String(), "owner", e.state.owner)
		r.commit(op, id, e, State{})
	}

	next, err := e.state.export(owner)
	if err != nil {
		if e.state.owner != owner {
			return errcode.New(errcode.InvalidState, op, id.Chip, id.Channel, "channel exported by another caller")
		}
		return annotate(err, op, id)
	}

	if err := r.bridge.WriteExport(id.Chip, id.Channel); err != nil {
		var ioe *sysfs.IoError
		if errors.As(err, &ioe) && ioe.Class == sysfs.ClassBusy && r.bridge.ChannelExists(id.Chip, id.Channel) {
			// Still exported in the kernel, typically by an earlier run of
			// the daemon. Take it over as it stands.
			r.log.Info("pwm: adopting channel already exported in the kernel", "channel", id.String(), "owner", owner)
			r.commit(op, id, e, r.seed(id, next))
			return nil
		}
		r.drop(id, e)
		return r.kernelErr(op, id, err)
	}

	if err := r.awaitNode(ctx, id); err != nil {
		r.drop(id, e)
		return err
	}

	r.commit(op, id, e, r.seed(id, next))
	return nil
}

// awaitNode polls for the channel node until the settle deadline or ctx
// ends, whichever comes first.
func (r *Registry) awaitNode(ctx context.Context, id ChannelID) error {
	deadline := time.Now().Add(r.settle)
	tick := time.NewTicker(r.pollEvery)
	defer tick.Stop()
	for {
		if r.bridge.ChannelExists(id.Chip, id.Channel) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errcode.New(errcode.ChannelUnavailable, "export", id.Chip, id.Channel, "channel node did not appear after export")
		}
		select {
		case <-ctx.Done():
			return errcode.Wrap(errcode.Canceled, "export", id.Chip, id.Channel, "canceled waiting for channel node", ctx.Err())
		case <-tick.C:
		}
	}
}

// seed overlays the kernel's current attribute values on a freshly
// exported record when the bridge can read them back. An unreadable
// attribute leaves the kernel defaults in place.
func (r *Registry) seed(id ChannelID, next State) State {
	kr, ok := r.bridge.(KernelReader)
	if !ok {
		return next
	}
	kv, err := readKernel(kr, id)
	if err != nil {
		r.log.Debug("pwm: no kernel readback after export", "channel", id.String(), "error", err)
		return next
	}
	return next.seeded(kv)
}

// Unexport releases a channel that is not enabled and drops its record.
func (r *Registry) Unexport(ctx context.Context, id ChannelID) error {
	const op = "unexport"
	return r.locked(ctx, op, id, func(e *entry) error {
		if _, err := e.state.unexport(); err != nil {
			return annotate(err, op, id)
		}
		if err := r.bridge.WriteUnexport(id.Chip, id.Channel); err != nil {
			if r.bridge.ChannelExists(id.Chip, id.Channel) {
				return r.kernelErr(op, id, err)
			}
			// The node is already gone, so the kernel holds no export either.
			r.log.Warn("pwm: channel vanished before unexport", "channel", id.String(), "error", err)
		}
		r.drop(id, e)
		r.log.Debug("pwm: transition", "op", op, "channel", id.String(), "to", Unexported.String())
		return nil
	})
}

func (r *Registry) SetPeriodNs(ctx context.Context, id ChannelID, ns uint64) error {
	return r.apply(ctx, "set_period", id,
		func(s State) (State, error) { return s.setPeriod(ns) },
		func() error { return r.bridge.WritePeriod(id.Chip, id.Channel, ns) })
}

func (r *Registry) SetDutyCycleNs(ctx context.Context, id ChannelID, ns uint64) error {
	return r.apply(ctx, "set_duty_cycle", id,
		func(s State) (State, error) { return s.setDutyCycle(ns) },
		func() error { return r.bridge.WriteDutyCycle(id.Chip, id.Channel, ns) })
}

func (r *Registry) SetPolarity(ctx context.Context, id ChannelID, p sysfs.Polarity) error {
	return r.apply(ctx, "set_polarity", id,
		func(s State) (State, error) { return s.setPolarity(p) },
		func() error { return r.bridge.WritePolarity(id.Chip, id.Channel, p) })
}

func (r *Registry) Enable(ctx context.Context, id ChannelID) error {
	return r.apply(ctx, "enable", id,
		func(s State) (State, error) { return s.enable() },
		func() error { return r.bridge.WriteEnable(id.Chip, id.Channel, true) })
}

func (r *Registry) Disable(ctx context.Context, id ChannelID) error {
	return r.apply(ctx, "disable", id,
		func(s State) (State, error) { return s.disable() },
		func() error { return r.bridge.WriteEnable(id.Chip, id.Channel, false) })
}

// State returns the committed state of id. Channels without a record are
// reported as Unexported.
func (r *Registry) State(ctx context.Context, id ChannelID) (State, error) {
	var out State
	err := r.locked(ctx, "state", id, func(e *entry) error {
		out = e.state
		return nil
	})
	if errcode.Is(err, errcode.InvalidState) {
		return State{}, nil
	}
	return out, err
}

func (r *Registry) IsExported(ctx context.Context, id ChannelID) (bool, error) {
	s, err := r.State(ctx, id)
	return s.stage != Unexported, err
}

func (r *Registry) IsEnabled(ctx context.Context, id ChannelID) (bool, error) {
	s, err := r.State(ctx, id)
	return s.stage == Enabled, err
}

func (r *Registry) kernelErr(op string, id ChannelID, err error) error {
	var ioe *sysfs.IoError
	if !errors.As(err, &ioe) {
		r.log.Error("pwm: unclassified bridge error", "op", op, "channel", id.String(), "error", err)
		return errcode.Wrap(errcode.Internal, op, id.Chip, id.Channel, "unclassified bridge error", err)
	}
	if ioe.Class == sysfs.ClassNotFound {
		return errcode.Wrap(errcode.ChannelUnavailable, op, id.Chip, id.Channel, "channel unavailable", err)
	}
	r.log.Warn("pwm: kernel rejected request", "op", op, "channel", id.String(), "class", ioe.Class.String(), "error", err)
	return errcode.Wrap(errcode.KernelRejected, op, id.Chip, id.Channel, "kernel rejected request: "+ioe.Class.String(), err)
}

func annotate(err error, op string, id ChannelID) error {
	var e *errcode.Error
	if !errors.As(err, &e) {
		return err
	}
	out := *e
	out.Op, out.Chip, out.Channel = op, id.Chip, id.Channel
	return &out
}
