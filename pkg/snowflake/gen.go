// Package snowflake provides a generator of unique, roughly time-ordered
// 64-bit integers: 41 bits of millisecond timestamp, 10 bits of machine id
// and 12 bits of per-millisecond sequence.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	epoch        = 1491696000000 // 2017-04-09T00:00:00Z in unix milliseconds
	machineBits  = 10
	sequenceBits = 12
	machineMax   = -1 ^ (-1 << machineBits)
	sequenceMask = -1 ^ (-1 << sequenceBits)
	timeShift    = machineBits + sequenceBits
	machineShift = sequenceBits
)

// Generator produces unique snowflake values for a single machine id.
// It is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	lastTime int64
	sequence int64
	machine  int64
}

// New returns a Generator for the given machine id. machineID must be in
// the range [0, 1023]; values outside the range panic, as a misconfigured
// machine id silently produces colliding ids.
func New(machineID int) *Generator {
	if machineID < 0 || machineID > machineMax {
		panic(fmt.Errorf("invalid machine id; must be 0 ≤ id < %d. provided: %d", machineMax+1, machineID))
	}
	return &Generator{
		machine: int64(machineID) << machineShift,
	}
}

// MachineID returns the machine id this generator was built with.
func (g *Generator) MachineID() int {
	return int(g.machine >> machineShift)
}

// Next returns the next unique value.
func (g *Generator) Next() uint64 {
	t := now()
	g.mu.Lock()
	if t == g.lastTime {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// sequence exhausted for this millisecond, spin to the next one
			for t <= g.lastTime {
				t = now()
			}
		}
	} else if t > g.lastTime {
		g.sequence = 0
	} else {
		// clock went backwards; hold the last observed time so ids stay ordered
		t = g.lastTime
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			g.lastTime++
			t = g.lastTime
		}
	}
	g.lastTime = t
	seq := g.sequence
	g.mu.Unlock()

	return uint64(t-epoch)<<timeShift | uint64(g.machine) | uint64(seq)
}

func now() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
