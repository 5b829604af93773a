// Package dbus publishes the PWM registry on the message bus.
//
// Every method replies with a numeric code and a message (0 and "" on
// success). Bus-level errors are reserved for malformed calls, which the
// bus library rejects before any handler runs.
package dbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pwmd/internal/errcode"
	"pwmd/internal/logging"
	"pwmd/internal/pwm"
	"pwmd/internal/sysfs"
)

// Registry is the part of *pwm.Registry the bus surface drives.
type Registry interface {
	Export(ctx context.Context, id pwm.ChannelID, owner string) error
	Unexport(ctx context.Context, id pwm.ChannelID) error
	Enable(ctx context.Context, id pwm.ChannelID) error
	Disable(ctx context.Context, id pwm.ChannelID) error
	SetPeriodNs(ctx context.Context, id pwm.ChannelID, ns uint64) error
	SetDutyCycleNs(ctx context.Context, id pwm.ChannelID, ns uint64) error
	SetPolarity(ctx context.Context, id pwm.ChannelID, p sysfs.Polarity) error
	Npwm(chip uint32) (uint32, error)
	IsExported(ctx context.Context, id pwm.ChannelID) (bool, error)
	IsEnabled(ctx context.Context, id pwm.ChannelID) (bool, error)
}

// Observer receives one sample per finished call. *metrics.Metrics
// implements it.
type Observer interface {
	Observe(op string, code int32, d time.Duration)
}

type Config struct {
	// CallTimeout bounds how long a call may wait for its channel lock.
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     Observer
}

// Service dispatches calls to the registry and tracks them for shutdown.
// It does not depend on a live bus connection.
type Service struct {
	reg     Registry
	log     *slog.Logger
	metrics Observer
	timeout time.Duration

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	quit     chan struct{}
	quitOnce sync.Once
}

func NewService(reg Registry, cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		reg:     reg,
		log:     log,
		metrics: cfg.Metrics,
		timeout: timeout,
		quit:    make(chan struct{}),
	}
}

// QuitRequested is closed once a client calls Quit.
func (s *Service) QuitRequested() <-chan struct{} { return s.quit }

func (s *Service) requestQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Drain stops accepting calls and waits for the ones already running.
// Calls arriving afterwards are answered with a shutting-down code.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// call runs fn as one tracked operation and maps its error to a reply.
func (s *Service) call(op string, id pwm.ChannelID, fn func(ctx context.Context) error) (int32, string) {
	start := time.Now()
	var err error
	if s.begin() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = fn(ctx)
		cancel()
		s.inflight.Done()
	} else {
		err = errcode.New(errcode.ShuttingDown, op, id.Chip, id.Channel, "service shutting down")
	}

	code, msg := errcode.Reply(err)
	if s.metrics != nil {
		s.metrics.Observe(op, code, time.Since(start))
	}
	if err != nil {
		s.log.Debug("dbus: call failed", "op", op, "chip", id.Chip, "channel", id.Channel, "code", code, "error", err)
	} else {
		s.log.Debug("dbus: call", "op", op, "chip", id.Chip, "channel", id.Channel)
	}
	return code, msg
}

func (s *Service) export(id pwm.ChannelID, owner string) (int32, string) {
	return s.call("export", id, func(ctx context.Context) error {
		return s.reg.Export(ctx, id, owner)
	})
}

func (s *Service) unexport(id pwm.ChannelID) (int32, string) {
	return s.call("unexport", id, func(ctx context.Context) error {
		return s.reg.Unexport(ctx, id)
	})
}

func (s *Service) enable(id pwm.ChannelID) (int32, string) {
	return s.call("enable", id, func(ctx context.Context) error {
		return s.reg.Enable(ctx, id)
	})
}

func (s *Service) disable(id pwm.ChannelID) (int32, string) {
	return s.call("disable", id, func(ctx context.Context) error {
		return s.reg.Disable(ctx, id)
	})
}

func (s *Service) setPeriod(id pwm.ChannelID, ns uint64) (int32, string) {
	return s.call("set_period", id, func(ctx context.Context) error {
		return s.reg.SetPeriodNs(ctx, id, ns)
	})
}

func (s *Service) setDutyCycle(id pwm.ChannelID, ns uint64) (int32, string) {
	return s.call("set_duty_cycle", id, func(ctx context.Context) error {
		return s.reg.SetDutyCycleNs(ctx, id, ns)
	})
}

func (s *Service) setPolarity(id pwm.ChannelID, polarity string) (int32, string) {
	return s.call("set_polarity", id, func(ctx context.Context) error {
		p, err := sysfs.ParsePolarity(polarity)
		if err != nil {
			return errcode.Wrap(errcode.InvalidArgument, "set_polarity", id.Chip, id.Channel, err.Error(), err)
		}
		return s.reg.SetPolarity(ctx, id, p)
	})
}

func (s *Service) npwm(chip uint32) (n uint32, code int32, msg string) {
	code, msg = s.call("npwm", pwm.ChannelID{Chip: chip}, func(context.Context) error {
		var err error
		n, err = s.reg.Npwm(chip)
		return err
	})
	return n, code, msg
}

func (s *Service) isExported(id pwm.ChannelID) (ok bool, code int32, msg string) {
	code, msg = s.call("is_exported", id, func(ctx context.Context) error {
		var err error
		ok, err = s.reg.IsExported(ctx, id)
		return err
	})
	return ok, code, msg
}

func (s *Service) isEnabled(id pwm.ChannelID) (ok bool, code int32, msg string) {
	code, msg = s.call("is_enabled", id, func(ctx context.Context) error {
		var err error
		ok, err = s.reg.IsEnabled(ctx, id)
		return err
	})
	return ok, code, msg
}

func (s *Service) quitCall() (int32, string) {
	s.log.Info("dbus: quit requested")
	s.requestQuit()
	if s.metrics != nil {
		s.metrics.Observe("quit", errcode.CodeOK, 0)
	}
	return errcode.CodeOK, ""
}
