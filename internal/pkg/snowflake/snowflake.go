package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC)
	Epoch int64 = 1704067200000 // milliseconds

	workerIDBits uint8 = 10
	sequenceBits uint8 = 12

	maxWorkerID  int64 = -1 ^ (-1 << workerIDBits)
	sequenceMask int64 = -1 ^ (-1 << sequenceBits)

	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

var (
	ErrInvalidWorkerID     = errors.New("worker ID exceeds maximum value")
	ErrClockMovedBackwards = errors.New("clock moved backwards")
)

// Generator produces unique int64 IDs using the snowflake layout:
// 41 bits of milliseconds since Epoch, 10 bits worker ID, 12 bits sequence.
// IDs from one generator are strictly increasing, which gives messages the
// monotonic-by-creation ordering the rest of the pipeline sorts by.
type Generator struct {
	mu sync.Mutex

	workerID      int64
	sequence      int64
	lastTimestamp int64

	// now is swappable for tests
	now func() int64
}

// NewGenerator creates a generator for the given worker ID.
func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{
		workerID:      workerID,
		lastTimestamp: -1,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}, nil
}

// NextID returns the next unique ID. It is safe for concurrent use.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTimestamp {
		return 0, ErrClockMovedBackwards
	}

	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted within this millisecond, spin to the next one.
			for ts <= g.lastTimestamp {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return (ts-Epoch)<<timestampShift | g.workerID<<workerIDShift | g.sequence, nil
}
