package server

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ErrNoPassivePorts is returned when every port in the passive range is
// reserved.
var ErrNoPassivePorts = errors.New("no passive ports available")

// PortAllocator hands out passive-mode ports from a fixed range, round-robin,
// and remembers which are reserved so two clients never share one.
// It is owned by the event loop and not safe for concurrent use.
type PortAllocator struct {
	min, max uint16
	next     uint16
	reserved map[uint16]struct{}
}

// NewPortAllocator returns an allocator for ports in [min, max]. The
// starting position is randomized so restarts don't always reuse the
// lowest ports.
func NewPortAllocator(min, max uint16) (*PortAllocator, error) {
	if min == 0 || max < min {
		return nil, errors.Errorf("invalid passive port range %d-%d", min, max)
	}
	size := int(max-min) + 1
	return &PortAllocator{
		min:      min,
		max:      max,
		next:     min + uint16(rand.IntN(size)),
		reserved: make(map[uint16]struct{}),
	}, nil
}

// Reserve returns the next free port in the range.
func (p *PortAllocator) Reserve() (uint16, error) {
	size := int(p.max-p.min) + 1
	for i := 0; i < size; i++ {
		port := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		if _, taken := p.reserved[port]; !taken {
			p.reserved[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrNoPassivePorts
}

// Release makes port available again. Releasing an unreserved port is a no-op.
func (p *PortAllocator) Release(port uint16) {
	delete(p.reserved, port)
}

// Reserved returns the number of ports currently handed out.
func (p *PortAllocator) Reserved() int {
	return len(p.reserved)
}

// Range returns the configured bounds.
func (p *PortAllocator) Range() (min, max uint16) {
	return p.min, p.max
}
