package bus

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
)

// ChannelSpec configures one of the fixed channels (§4.A, §6).
type ChannelSpec struct {
	Name          string
	MaxLen        int
	Retention     time.Duration
	TimeoutWindow time.Duration // feeds the channel's Pacer (maxDelay = window/4)
}

// group tracks one consumer group's offset on a channel (§3 "The Bus owns
// stream state and consumer offsets").
type group struct {
	offset     uint64 // next offset to deliver
	attempts   map[uint64]int
	maxAttempts int
}

// Channel is a single ordered, bounded, append-only message log with
// consumer-group semantics (§4.A).
type Channel struct {
	mu sync.Mutex

	spec     ChannelSpec
	messages []Envelope // append-only; trimmed from the front on overflow
	baseOffset uint64   // offset of messages[0]
	nextOffset uint64

	groups map[string]*group
	dead   []Envelope // dead-lettered messages, retained for inspection

	pacer *resilience.Pacer
}

// NewChannel builds a Channel from spec.
func NewChannel(spec ChannelSpec) *Channel {
	return &Channel{
		spec:   spec,
		groups: make(map[string]*group),
		pacer:  resilience.NewPacer(spec.MaxLen, spec.TimeoutWindow),
	}
}

// Append adds env to the log after first applying the §5 backpressure
// pacing/rejection policy: once the channel holds max_len messages the
// append is rejected with BusBackpressure and nothing is trimmed. The trim
// branch below only evicts the oldest message when concurrent appends have
// filled the channel between the occupancy check and the append.
func (c *Channel) Append(ctx context.Context, env Envelope) (uint64, error) {
	c.mu.Lock()
	occupancy := len(c.messages)
	c.mu.Unlock()

	if err := c.pacer.Wait(ctx, occupancy); err != nil {
		return 0, scberr.BusBackpressure(c.spec.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.messages) >= c.spec.MaxLen {
		c.messages = c.messages[1:]
		c.baseOffset++
	}

	env.Offset = c.nextOffset
	c.messages = append(c.messages, env)
	c.nextOffset++
	return env.Offset, nil
}

// Len returns the number of messages currently retained.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Trim evicts the oldest messages until the channel holds at most maxLen
// (§4.A `trim`).
func (c *Channel) Trim(maxLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) <= maxLen {
		return
	}
	evict := len(c.messages) - maxLen
	c.messages = c.messages[evict:]
	c.baseOffset += uint64(evict)
}

// groupFor returns (creating if needed) the named consumer group, seeded
// to the channel's current tail if it is new, so a late joiner "can read
// the latest fragment by seeking to the channel's tail" (§4.G guarantee).
func (c *Channel) groupFor(name string, maxAttempts int, seekToTail bool) *group {
	g, ok := c.groups[name]
	if !ok {
		g = &group{attempts: make(map[uint64]int), maxAttempts: maxAttempts}
		if seekToTail {
			g.offset = c.nextOffset
		} else {
			g.offset = c.baseOffset
		}
		c.groups[name] = g
	}
	return g
}

// Pull returns up to maxMsgs undelivered messages for group, starting at
// its current offset (§4.A `subscribe`: "pulls batches (<=10 msgs...)").
func (c *Channel) Pull(groupName string, maxMsgs, maxAttempts int) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupFor(groupName, maxAttempts, false)
	if g.offset < c.baseOffset {
		g.offset = c.baseOffset // messages before baseOffset were trimmed
	}

	start := int(g.offset - c.baseOffset)
	if start < 0 || start >= len(c.messages) {
		return nil
	}
	end := start + maxMsgs
	if end > len(c.messages) {
		end = len(c.messages)
	}
	out := make([]Envelope, end-start)
	copy(out, c.messages[start:end])
	return out
}

// Ack advances group's offset past offset on success, per at-least-once
// delivery semantics (§4.A).
func (c *Channel) Ack(groupName string, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groupFor(groupName, 0, false)
	delete(g.attempts, offset)
	if offset >= g.offset {
		g.offset = offset + 1
	}
}

// Nack records a failed delivery attempt, returning true if the message
// should be dead-lettered (attempts exhausted) rather than redelivered
// (§4.A "re-delivers on failure up to max_attempts then dead-letters").
func (c *Channel) Nack(groupName string, offset uint64) (deadLetter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupFor(groupName, 0, false)
	g.attempts[offset]++
	if g.attempts[offset] >= g.maxAttempts {
		delete(g.attempts, offset)
		if offset >= g.offset {
			g.offset = offset + 1
		}
		for _, m := range c.messages {
			if m.Offset == offset {
				c.dead = append(c.dead, m)
				break
			}
		}
		return true
	}
	return false
}

// DeadLettered returns the messages dead-lettered so far.
func (c *Channel) DeadLettered() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.dead))
	copy(out, c.dead)
	return out
}

// GroupOffset reports a consumer group's current offset, or the channel's
// tail if the group is unknown.
func (c *Channel) GroupOffset(groupName string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[groupName]; ok {
		return g.offset
	}
	return c.nextOffset
}

// SetGroupOffset rewinds or fast-forwards group to offset, for the `bus
// replay --from-offset` administrative operation (§6). offset is clamped
// to [baseOffset, nextOffset] since messages outside that range were
// already trimmed or don't exist yet.
func (c *Channel) SetGroupOffset(groupName string, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groupFor(groupName, 0, false)
	if offset < c.baseOffset {
		offset = c.baseOffset
	}
	if offset > c.nextOffset {
		offset = c.nextOffset
	}
	g.offset = offset
	g.attempts = make(map[uint64]int)
}
