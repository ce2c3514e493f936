// Package knock holds the knock sequence policy and the per-address knock
// history used to decide whether a source may open the protected port.
package knock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmptyPolicy   = errors.New("knock sequence is empty")
	ErrZeroPort      = errors.New("knock sequence contains port 0")
	ErrDuplicatePort = errors.New("knock sequence contains a duplicate port")
)

// Result is the outcome of evaluating an address against the policy.
type Result int

const (
	// Unknown means no knock has been recorded for the address.
	Unknown Result = iota
	// Fail means knocks were recorded but the most recent ones do not match.
	Fail
	// Success means the most recent knocks equal the sequence exactly.
	Success
)

func (r Result) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Fail:
		return "fail"
	case Success:
		return "success"
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// Policy is an immutable ordered list of distinct ports.
type Policy struct {
	ports []uint16
}

// NewPolicy validates and copies ports.
func NewPolicy(ports []uint16) (Policy, error) {
	if len(ports) == 0 {
		return Policy{}, ErrEmptyPolicy
	}
	seen := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		if p == 0 {
			return Policy{}, ErrZeroPort
		}
		if _, dup := seen[p]; dup {
			return Policy{}, fmt.Errorf("%w: %d", ErrDuplicatePort, p)
		}
		seen[p] = struct{}{}
	}
	cp := make([]uint16, len(ports))
	copy(cp, ports)
	return Policy{ports: cp}, nil
}

// Len is the number of knocks in the sequence.
func (p Policy) Len() int { return len(p.ports) }

// Ports returns a copy of the sequence.
func (p Policy) Ports() []uint16 {
	cp := make([]uint16, len(p.ports))
	copy(cp, p.ports)
	return cp
}

// Contains reports whether port is part of the sequence.
func (p Policy) Contains(port uint16) bool {
	for _, q := range p.ports {
		if q == port {
			return true
		}
	}
	return false
}

// Match compares the trailing window of recent against the sequence
// position by position. A window shorter than the sequence never matches.
func (p Policy) Match(recent []uint16) bool {
	if len(p.ports) == 0 || len(recent) < len(p.ports) {
		return false
	}
	tail := recent[len(recent)-len(p.ports):]
	for i, want := range p.ports {
		if tail[i] != want {
			return false
		}
	}
	return true
}

func (p Policy) String() string {
	parts := make([]string, len(p.ports))
	for i, port := range p.ports {
		parts[i] = strconv.Itoa(int(port))
	}
	return strings.Join(parts, ",")
}
