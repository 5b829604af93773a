package sysfs

import "fmt"

type Polarity uint8

const (
	Normal Polarity = iota
	Inversed
)

// String returns the token the kernel expects in the polarity attribute.
func (p Polarity) String() string {
	if p == Inversed {
		return "inversed"
	}
	return "normal"
}

// ParsePolarity accepts the kernel tokens plus "inverse" as an alias.
func ParsePolarity(s string) (Polarity, error) {
	switch s {
	case "normal":
		return Normal, nil
	case "inversed", "inverse":
		return Inversed, nil
	default:
		return Normal, fmt.Errorf("unknown polarity %q (want normal or inversed)", s)
	}
}
