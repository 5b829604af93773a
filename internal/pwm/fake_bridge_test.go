package pwm

import (
	"fmt"
	"strconv"
	"sync"
	"syscall"

	"pwmd/internal/sysfs"
)

// fakeBridge is an in-memory kernel. It records every write, can fail the
// next write to a given attribute, and can hold writes open for concurrency
// tests.
type fakeBridge struct {
	mu       sync.Mutex
	npwm     map[uint32]uint32
	nodes    map[ChannelID]bool
	attrs    map[ChannelID]map[string]string
	writes   []string
	fail     map[string]error
	noNode   bool // export does not create the channel node
	inflight map[ChannelID]int
	overlap  bool

	// hold, when set, is called inside every channel write with the lock
	// released so tests can park a writer.
	hold func(id ChannelID, attr string)
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		npwm:     map[uint32]uint32{0: 4, 1: 2},
		nodes:    map[ChannelID]bool{},
		attrs:    map[ChannelID]map[string]string{},
		fail:     map[string]error{},
		inflight: map[ChannelID]int{},
	}
}

func ioErr(class sysfs.Class, errno syscall.Errno) error {
	return &sysfs.IoError{Op: "write", Path: "fake", Class: class, Err: errno}
}

func (f *fakeBridge) failNext(attr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[attr] = err
}

func (f *fakeBridge) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeBridge) attr(id ChannelID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[id][name]
}

func (f *fakeBridge) removeNode(id ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
}

func (f *fakeBridge) Chips() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for c := range f.npwm {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBridge) Npwm(chip uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.npwm[chip]
	if !ok {
		return 0, ioErr(sysfs.ClassNotFound, syscall.ENOENT)
	}
	return n, nil
}

func (f *fakeBridge) ChannelExists(chip, channel uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[ChannelID{chip, channel}]
}

func (f *fakeBridge) WriteExport(chip, channel uint32) error {
	id := ChannelID{chip, channel}
	return f.write(id, "export", fmt.Sprint(channel), func() {
		if !f.noNode {
			f.nodes[id] = true
		}
	})
}

func (f *fakeBridge) WriteUnexport(chip, channel uint32) error {
	id := ChannelID{chip, channel}
	return f.write(id, "unexport", fmt.Sprint(channel), func() {
		delete(f.nodes, id)
		delete(f.attrs, id)
	})
}

func (f *fakeBridge) WritePeriod(chip, channel uint32, ns uint64) error {
	return f.write(ChannelID{chip, channel}, "period", fmt.Sprint(ns), nil)
}

func (f *fakeBridge) WriteDutyCycle(chip, channel uint32, ns uint64) error {
	return f.write(ChannelID{chip, channel}, "duty_cycle", fmt.Sprint(ns), nil)
}

func (f *fakeBridge) WritePolarity(chip, channel uint32, p sysfs.Polarity) error {
	return f.write(ChannelID{chip, channel}, "polarity", p.String(), nil)
}

func (f *fakeBridge) WriteEnable(chip, channel uint32, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return f.write(ChannelID{chip, channel}, "enable", v, nil)
}

func (f *fakeBridge) write(id ChannelID, attr, value string, effect func()) error {
	f.mu.Lock()
	f.inflight[id]++
	if f.inflight[id] > 1 {
		f.overlap = true
	}
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		hold(id, attr)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[id]--
	f.writes = append(f.writes, fmt.Sprintf("%s %s=%s", id, attr, value))
	if err, ok := f.fail[attr]; ok {
		delete(f.fail, attr)
		return err
	}
	if attr != "export" && attr != "unexport" {
		if !f.nodes[id] {
			return ioErr(sysfs.ClassNotFound, syscall.ENOENT)
		}
		if f.attrs[id] == nil {
			f.attrs[id] = map[string]string{}
		}
		f.attrs[id][attr] = value
	}
	if effect != nil {
		effect()
	}
	return nil
}

// readerBridge adds attribute readback to fakeBridge. A missing node or
// attribute reads as ENOENT, like a channel the kernel has not set up.
type readerBridge struct {
	*fakeBridge
}

func (f readerBridge) read(chip, channel uint32, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ChannelID{chip, channel}
	v, ok := f.attrs[id][name]
	if !f.nodes[id] || !ok {
		return "", ioErr(sysfs.ClassNotFound, syscall.ENOENT)
	}
	return v, nil
}

func (f readerBridge) readUint(chip, channel uint32, name string) (uint64, error) {
	v, err := f.read(chip, channel, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (f readerBridge) ReadPeriod(chip, channel uint32) (uint64, error) {
	return f.readUint(chip, channel, "period")
}

func (f readerBridge) ReadDutyCycle(chip, channel uint32) (uint64, error) {
	return f.readUint(chip, channel, "duty_cycle")
}

func (f readerBridge) ReadPolarity(chip, channel uint32) (sysfs.Polarity, error) {
	v, err := f.read(chip, channel, "polarity")
	if err != nil {
		return sysfs.Normal, err
	}
	return sysfs.ParsePolarity(v)
}

func (f readerBridge) ReadEnable(chip, channel uint32) (bool, error) {
	v, err := f.read(chip, channel, "enable")
	return v == "1", err
}

// leave simulates a channel some earlier process exported and configured.
func (f *fakeBridge) leave(id ChannelID, attrs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = true
	f.attrs[id] = attrs
}
