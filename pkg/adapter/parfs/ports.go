package parfs

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of TCP ports reserved for session workers.
//
// In configuration files it is written as "first-last" (e.g. "13001-13008")
// or as a single port.
type PortRange struct {
	First int `mapstructure:"first"`
	Last  int `mapstructure:"last"`
}

// ParsePortRange parses "first-last" or a single port number.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, fmt.Errorf("empty port range")
	}

	firstStr, lastStr, found := strings.Cut(s, "-")
	if !found {
		lastStr = firstStr
	}

	first, err := strconv.Atoi(strings.TrimSpace(firstStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	last, err := strconv.Atoi(strings.TrimSpace(lastStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}

	r := PortRange{First: first, Last: last}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// Validate checks that both ends are valid ports and First <= Last.
func (r PortRange) Validate() error {
	if r.First < 1 || r.Last > 65535 {
		return fmt.Errorf("invalid port range %s: ports must be 1-65535", r)
	}
	if r.First > r.Last {
		return fmt.Errorf("invalid port range %s: first port is after last", r)
	}
	return nil
}

// IsZero reports whether the range is unset.
func (r PortRange) IsZero() bool {
	return r.First == 0 && r.Last == 0
}

// Len returns the number of ports in the range.
func (r PortRange) Len() int {
	if r.IsZero() || r.First > r.Last {
		return 0
	}
	return r.Last - r.First + 1
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port int) bool {
	return !r.IsZero() && port >= r.First && port <= r.Last
}

// Ports expands the range into a slice.
func (r PortRange) Ports() []int {
	ports := make([]int, 0, r.Len())
	for p := r.First; p <= r.Last && r.Len() > 0; p++ {
		ports = append(ports, p)
	}
	return ports
}

func (r PortRange) String() string {
	if r.First == r.Last {
		return strconv.Itoa(r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// MarshalText renders the range in its configuration form.
func (r PortRange) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the configuration form.
func (r *PortRange) UnmarshalText(text []byte) error {
	parsed, err := ParsePortRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
