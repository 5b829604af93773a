// Package sysfs reads and writes the kernel PWM class attributes under
// /sys/class/pwm.
//
// Layout consumed (owned by the kernel):
//
//	pwmchipN/{export,unexport,npwm}
//	pwmchipN/pwmM/{period,duty_cycle,polarity,enable}
//
// Every value is written as ASCII decimal, or as a fixed token for polarity.
// The bridge performs no retries and keeps no state; callers decide policy.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is the PWM class directory on a live system.
const DefaultRoot = "/sys/class/pwm"

// Bridge maps logical attribute reads and writes onto files below Root.
// It is safe for concurrent use.
type Bridge struct {
	root string
}

func New(root string) *Bridge {
	if root == "" {
		root = DefaultRoot
	}
	return &Bridge{root: root}
}

func (b *Bridge) Root() string { return b.root }

func (b *Bridge) chipPath(chip uint32) string {
	return filepath.Join(b.root, fmt.Sprintf("pwmchip%d", chip))
}

func (b *Bridge) channelPath(chip, channel uint32) string {
	return filepath.Join(b.chipPath(chip), fmt.Sprintf("pwm%d", channel))
}

// Chips lists the pwmchipN entries below the root, sorted by index.
func (b *Bridge) Chips() ([]uint32, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, newIoError("readdir", b.root, err)
	}
	// In sysfs, pwmchipN entries are commonly symlinks, not directories.
	var chips []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, "pwmchip"), 10, 32)
		if err != nil {
			continue
		}
		chips = append(chips, uint32(n))
	}
	sort.Slice(chips, func(i, j int) bool { return chips[i] < chips[j] })
	return chips, nil
}

// Npwm reads the number of channels the chip exposes.
func (b *Bridge) Npwm(chip uint32) (uint32, error) {
	p := filepath.Join(b.chipPath(chip), "npwm")
	n, err := readUint(p, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// ChannelExists reports whether the kernel has created the pwmM node.
func (b *Bridge) ChannelExists(chip, channel uint32) bool {
	_, err := os.Stat(b.channelPath(chip, channel))
	return err == nil
}

func (b *Bridge) WriteExport(chip, channel uint32) error {
	return writeAttr(filepath.Join(b.chipPath(chip), "export"), strconv.FormatUint(uint64(channel), 10))
}

func (b *Bridge) WriteUnexport(chip, channel uint32) error {
	return writeAttr(filepath.Join(b.chipPath(chip), "unexport"), strconv.FormatUint(uint64(channel), 10))
}

func (b *Bridge) WritePeriod(chip, channel uint32, ns uint64) error {
	return b.writeUint(chip, channel, "period", ns)
}

func (b *Bridge) WriteDutyCycle(chip, channel uint32, ns uint64) error {
	return b.writeUint(chip, channel, "duty_cycle", ns)
}

func (b *Bridge) WritePolarity(chip, channel uint32, p Polarity) error {
	return writeAttr(filepath.Join(b.channelPath(chip, channel), "polarity"), p.String())
}

func (b *Bridge) WriteEnable(chip, channel uint32, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return writeAttr(filepath.Join(b.channelPath(chip, channel), "enable"), v)
}

func (b *Bridge) ReadPeriod(chip, channel uint32) (uint64, error) {
	return readUint(filepath.Join(b.channelPath(chip, channel), "period"), 64)
}

func (b *Bridge) ReadDutyCycle(chip, channel uint32) (uint64, error) {
	return readUint(filepath.Join(b.channelPath(chip, channel), "duty_cycle"), 64)
}

func (b *Bridge) ReadPolarity(chip, channel uint32) (Polarity, error) {
	p := filepath.Join(b.channelPath(chip, channel), "polarity")
	s, err := readAttr(p)
	if err != nil {
		return Normal, err
	}
	pol, err := ParsePolarity(s)
	if err != nil {
		return Normal, &IoError{Op: "parse", Path: p, Class: ClassInvalid, Err: err}
	}
	return pol, nil
}

func (b *Bridge) ReadEnable(chip, channel uint32) (bool, error) {
	n, err := readUint(filepath.Join(b.channelPath(chip, channel), "enable"), 64)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (b *Bridge) writeUint(chip, channel uint32, name string, v uint64) error {
	return writeAttr(filepath.Join(b.channelPath(chip, channel), name), strconv.FormatUint(v, 10))
}

func writeAttr(path string, value string) error {
	// Use O_WRONLY without O_TRUNC/O_CREATE.
	// Some sysfs attributes reject truncation flags even when mode bits allow
	// writes, and a missing attribute must fail rather than be created.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return newIoError("open", path, err)
	}
	n, werr := f.WriteString(value)
	if werr == nil {
		// Kernel attributes ignore the size; plain files (fake trees) would
		// otherwise keep a longer previous value's tail.
		if st, serr := f.Stat(); serr == nil && st.Mode().IsRegular() && st.Size() > int64(n) {
			_ = f.Truncate(int64(n))
		}
	}
	cerr := f.Close()
	if werr != nil {
		return newIoError("write", path, werr)
	}
	if cerr != nil {
		return newIoError("close", path, cerr)
	}
	return nil
}

func readAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", newIoError("read", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// readUint parses a decimal attribute that must fit in bits.
func readUint(path string, bits int) (uint64, error) {
	s, err := readAttr(path)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, &IoError{Op: "parse", Path: path, Class: ClassInvalid, Err: fmt.Errorf("empty")}
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, &IoError{Op: "parse", Path: path, Class: ClassInvalid, Err: err}
	}
	return n, nil
}
