package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
)

// Size is a flag value in bytes.
type Size uint64

const (
	K Size = 1 << 10
	M Size = 1 << 20
	G Size = 1 << 30
)

// ParseSize parses a byte count. A bare number is bytes; the JVM suffixes
// k, m, g and t and the long forms KB, MB and so on are accepted in either
// case.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	switch s[len(s)-1] {
	case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
		s += "B"
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return Size(b), nil
}

func (s Size) String() string { return bytesize.New(float64(s)).String() }

// Bytes returns s as an address-sized count.
func (s Size) Bytes() uintptr { return uintptr(s) }

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	v, err := ParseSize(text)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return uint64(s), nil
}
