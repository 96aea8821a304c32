// Package idgen mints 64-bit, time-ordered identifiers without a central
// allocator. The layout follows the snowflake scheme: 41 bits of
// milliseconds since Epoch, 5 bits of datacenter id, 5 bits of worker id and
// a 12 bit per-millisecond sequence.
package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12
	timestampBits  = 41

	// MaxDatacenterID is the largest datacenter id that fits the layout.
	MaxDatacenterID = 1<<datacenterBits - 1
	// MaxWorkerID is the largest worker id that fits the layout.
	MaxWorkerID = 1<<workerBits - 1

	sequenceMask    = 1<<sequenceBits - 1
	maxTimestamp    = 1<<timestampBits - 1
	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

// DefaultEpoch is the custom epoch ids are measured from (2018-07-03T08:49:20Z).
var DefaultEpoch = time.UnixMilli(1530607760000).UTC()

var (
	// ErrClockMovedBackwards is returned when the wall clock is observed
	// behind the last issued timestamp. It is not retried.
	ErrClockMovedBackwards = errors.New("clock moved backwards")
	// ErrInvalidNode signals a datacenter or worker id outside the layout.
	ErrInvalidNode = errors.New("invalid generator node")
	// ErrTimeOutOfRange signals a clock before Epoch or past the 41 bit range.
	ErrTimeOutOfRange = errors.New("time outside generator range")
)

// Config is the static configuration of one generator instance.
type Config struct {
	DatacenterID int64
	WorkerID     int64
	Epoch        time.Time
	Now          func() time.Time
}

// Generator issues identifiers. It is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	epochMs      int64
	datacenterID int64
	workerID     int64
	now          func() time.Time

	lastTimestamp int64
	sequence      int64
}

// New validates cfg and constructs a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.DatacenterID < 0 || cfg.DatacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("%w: datacenter id %d not in [0, %d]", ErrInvalidNode, cfg.DatacenterID, MaxDatacenterID)
	}
	if cfg.WorkerID < 0 || cfg.WorkerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: worker id %d not in [0, %d]", ErrInvalidNode, cfg.WorkerID, MaxWorkerID)
	}
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		epochMs:       epoch.UnixMilli(),
		datacenterID:  cfg.DatacenterID,
		workerID:      cfg.WorkerID,
		now:           now,
		lastTimestamp: -1,
	}, nil
}

// NextID returns the next identifier. Ids from one generator never repeat and
// are non-decreasing while the clock does not move backwards.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.millis()
	if timestamp < g.lastTimestamp {
		return 0, fmt.Errorf("%w: refusing to generate id for %dms", ErrClockMovedBackwards, g.lastTimestamp-timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	elapsed := timestamp - g.epochMs
	if elapsed < 0 || elapsed > maxTimestamp {
		return 0, fmt.Errorf("%w: %dms since epoch", ErrTimeOutOfRange, elapsed)
	}
	g.lastTimestamp = timestamp

	return uint64(elapsed)<<timestampShift |
		uint64(g.datacenterID)<<datacenterShift |
		uint64(g.workerID)<<workerShift |
		uint64(g.sequence), nil
}

// Parts is an identifier split into its fields.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Decompose splits id relative to epoch.
func Decompose(id uint64, epoch time.Time) Parts {
	ms := int64(id >> timestampShift)
	return Parts{
		Time:         time.UnixMilli(epoch.UnixMilli() + ms).UTC(),
		DatacenterID: int64(id>>datacenterShift) & MaxDatacenterID,
		WorkerID:     int64(id>>workerShift) & MaxWorkerID,
		Sequence:     int64(id) & sequenceMask,
	}
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli()
}

// waitNextMillis spins until the clock passes last.
func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.millis()
	for timestamp <= last {
		timestamp = g.millis()
	}
	return timestamp
}
