package dbus

import (
	godbus "github.com/godbus/dbus/v5"

	"pwmd/internal/pwm"
)

// chipObject is exported once per chip. Export and Unexport act on the
// object's own chip; every other method names its chip explicitly.
//
// Only the bus methods may be exported on this type: the bus library
// publishes every exported method it finds.
type chipObject struct {
	svc  *Service
	chip uint32
}

func (o *chipObject) id(channel uint32) pwm.ChannelID {
	return pwm.ChannelID{Chip: o.chip, Channel: channel}
}

func (o *chipObject) Export(sender godbus.Sender, channel uint32) (int32, string, *godbus.Error) {
	code, msg := o.svc.export(o.id(channel), string(sender))
	return code, msg, nil
}

func (o *chipObject) Unexport(channel uint32) (int32, string, *godbus.Error) {
	code, msg := o.svc.unexport(o.id(channel))
	return code, msg, nil
}

func (o *chipObject) Enable(chip, channel uint32) (int32, string, *godbus.Error) {
	code, msg := o.svc.enable(pwm.ChannelID{Chip: chip, Channel: channel})
	return code, msg, nil
}

func (o *chipObject) Disable(chip, channel uint32) (int32, string, *godbus.Error) {
	code, msg := o.svc.disable(pwm.ChannelID{Chip: chip, Channel: channel})
	return code, msg, nil
}

func (o *chipObject) SetPeriodNs(chip, channel uint32, ns uint64) (int32, string, *godbus.Error) {
	code, msg := o.svc.setPeriod(pwm.ChannelID{Chip: chip, Channel: channel}, ns)
	return code, msg, nil
}

func (o *chipObject) SetDutyCycleNs(chip, channel uint32, ns uint64) (int32, string, *godbus.Error) {
	code, msg := o.svc.setDutyCycle(pwm.ChannelID{Chip: chip, Channel: channel}, ns)
	return code, msg, nil
}

func (o *chipObject) SetPolarity(chip, channel uint32, polarity string) (int32, string, *godbus.Error) {
	code, msg := o.svc.setPolarity(pwm.ChannelID{Chip: chip, Channel: channel}, polarity)
	return code, msg, nil
}

func (o *chipObject) Npwm(chip uint32) (uint32, int32, string, *godbus.Error) {
	n, code, msg := o.svc.npwm(chip)
	return n, code, msg, nil
}

func (o *chipObject) IsExported(chip, channel uint32) (bool, int32, string, *godbus.Error) {
	ok, code, msg := o.svc.isExported(pwm.ChannelID{Chip: chip, Channel: channel})
	return ok, code, msg, nil
}

func (o *chipObject) IsEnabled(chip, channel uint32) (bool, int32, string, *godbus.Error) {
	ok, code, msg := o.svc.isEnabled(pwm.ChannelID{Chip: chip, Channel: channel})
	return ok, code, msg, nil
}

func (o *chipObject) Quit() (int32, string, *godbus.Error) {
	code, msg := o.svc.quitCall()
	return code, msg, nil
}
