// Package snowflake issues the 64-bit primary keys used by the relational
// history tables. Ids compose a 41-bit millisecond timestamp, a machine id,
// and a 12-bit per-millisecond sequence, so they are strictly increasing and
// safe to generate from concurrent callers.
package snowflake

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Epoch is the fixed origin for the timestamp component, 2020-01-01T00:00:00Z
// in Unix milliseconds.
const Epoch int64 = 1577836800000

const (
	machineIDBits = 10
	sequenceBits  = 12

	maxMachineID = -1 ^ (-1 << machineIDBits)
	sequenceMask = -1 ^ (-1 << sequenceBits)

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

// ErrClockRegression is returned when the wall clock is observed to move
// backward relative to the last issued id. Issuing ids past a regression
// risks collision, so callers must treat this as fatal and abort the whole
// operation rather than retry.
var ErrClockRegression = errors.New("snowflake: wall clock moved backward")

type Generator struct {
	mu       sync.Mutex
	machine  int64
	lastTime int64
	sequence int64

	// now is swappable for tests.
	now func() int64
}

func New(machineID int64) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, errors.Errorf("snowflake: machine id %d out of range [0, %d]", machineID, maxMachineID)
	}
	return &Generator{
		machine: machineID,
		now:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID returns the next id. It never returns a decreasing id: sequence
// exhaustion within a millisecond blocks until the next millisecond, and a
// backward clock yields ErrClockRegression.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTime {
		return 0, errors.Wrapf(ErrClockRegression, "last=%d now=%d", g.lastTime, now)
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond.
			for now <= g.lastTime {
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return (now-Epoch)<<timestampShift | g.machine<<machineIDShift | g.sequence, nil
}
