package remote

import (
	"errors"
	"fmt"
)

// ErrNoFreePort is returned when every port in a range is taken.
var ErrNoFreePort = errors.New("no free port in range")

// AllocatePort returns the lowest port in [start, end] that is not in used.
func AllocatePort(used []int, start, end int) (int, error) {
	if start <= 0 || end < start {
		return 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for p := start; p <= end; p++ {
		if _, ok := taken[p]; !ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, start, end)
}
