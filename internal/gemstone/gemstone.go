// Package gemstone implements the fixed-width identifier used for messages
// and synthetic entities: a 64-bit value packing a millisecond timestamp, a
// priority and a per-millisecond collision counter, rendered as 16 lowercase
// hex digits. Parsing is the exact inverse of encoding.
package gemstone

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Layout: (timestampMs << 16) | (priority << 12) | counter.
const (
	counterBits    = 12
	priorityBits   = 4
	priorityShift  = counterBits
	timestampShift = counterBits + priorityBits

	// MaxPriority is the highest priority a message can carry.
	MaxPriority = 9
	// MaxCounter is the highest per-millisecond counter value.
	MaxCounter = 1<<counterBits - 1

	encodedLen = 16
)

var (
	// ErrMalformedID is returned when a string is not 16 lowercase hex digits.
	ErrMalformedID = errors.New("gemstone: malformed id")
	// ErrInvalidPriority is returned for priorities outside [0, 9].
	ErrInvalidPriority = errors.New("gemstone: priority out of range")
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ID is an immutable packed identifier.
type ID uint64

// Timestamp returns the embedded Unix-millisecond timestamp.
func (id ID) Timestamp() int64 {
	return int64(id >> timestampShift)
}

// Priority returns the embedded priority.
func (id ID) Priority() int {
	return int(id>>priorityShift) & (1<<priorityBits - 1)
}

// Counter returns the embedded per-millisecond counter.
func (id ID) Counter() int {
	return int(id) & MaxCounter
}

// Time returns the embedded timestamp as a time.Time.
func (id ID) Time() time.Time {
	return time.UnixMilli(id.Timestamp())
}

// String renders the ID as 16 zero-padded lowercase hex digits.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// FromParts packs an ID from its components.
func FromParts(timestampMs int64, priority, counter int) (ID, error) {
	if priority < 0 || priority > MaxPriority {
		return 0, ErrInvalidPriority
	}
	if counter < 0 || counter > MaxCounter {
		return 0, fmt.Errorf("gemstone: counter %d out of range", counter)
	}
	if timestampMs < 0 {
		return 0, fmt.Errorf("gemstone: negative timestamp %d", timestampMs)
	}
	return ID(uint64(timestampMs)<<timestampShift | uint64(priority)<<priorityShift | uint64(counter)), nil
}

// Parse decodes a 16-hex-digit string into an ID. It fails with
// ErrMalformedID on anything that is not exactly 16 lowercase hex digits.
func Parse(s string) (ID, error) {
	if len(s) != encodedLen || !idPattern.MatchString(s) {
		return 0, ErrMalformedID
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, ErrMalformedID
	}
	return ID(v), nil
}

// IsValid reports whether s parses as an ID. It is total and never panics.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Generator mints IDs that are unique within one process. It keeps a
// monotonic per-millisecond counter; when the counter would overflow within
// the same millisecond it advances its internal clock by 1ms, even ahead of
// wall time, so ordering and uniqueness hold without coordination.
type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter int
	now     func() time.Time
}

// NewGenerator returns a Generator backed by the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate mints a new ID with the given priority.
func (g *Generator) Generate(priority int) (ID, error) {
	if priority < 0 || priority > MaxPriority {
		return 0, ErrInvalidPriority
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := g.now().UnixMilli()
	if nowMs < g.lastMs {
		// Internal clock ran ahead of wall time after a counter overflow;
		// keep minting against the advanced clock.
		nowMs = g.lastMs
	}

	if nowMs == g.lastMs {
		g.counter++
		if g.counter > MaxCounter {
			g.lastMs++
			nowMs = g.lastMs
			g.counter = 0
		}
	} else {
		g.lastMs = nowMs
		g.counter = 0
	}

	return FromParts(nowMs, priority, g.counter)
}
