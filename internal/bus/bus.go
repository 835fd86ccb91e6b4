package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
	"github.com/R3E-Network/coherence-bus/pkg/metrics"
)

// HandlerFunc processes one Envelope pulled off a channel; a non-nil error
// triggers a redelivery/dead-letter decision (§4.A).
type HandlerFunc func(ctx context.Context, env Envelope) error

// Bus is the Stream Broker Client (§4.A): a fixed set of named channels,
// each guarded by its own circuit breaker, sharing one duplicate-detection
// seen-set.
type Bus struct {
	channels map[string]*Channel
	breakers map[string]*resilience.CircuitBreaker
	seen     SeenSet
	maxAttempts int
}

// New builds a Bus from the given channel specs. maxAttempts is the
// per-message redelivery cap before dead-lettering (§4.A).
func New(specs []ChannelSpec, seen SeenSet, breakerCfg resilience.Config, maxAttempts int) *Bus {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	b := &Bus{
		channels:    make(map[string]*Channel, len(specs)),
		breakers:    make(map[string]*resilience.CircuitBreaker, len(specs)),
		seen:        seen,
		maxAttempts: maxAttempts,
	}
	for _, spec := range specs {
		b.channels[spec.Name] = NewChannel(spec)
		cfg := breakerCfg
		cfg.Name = "bus:" + spec.Name
		b.breakers[spec.Name] = resilience.New(cfg)
	}
	return b
}

// Publish appends payload to channel as an Envelope, deduplicating on
// messageID and routing through that channel's circuit breaker (§4.A).
func (b *Bus) Publish(ctx context.Context, channel, messageID, messageType string, payload []byte, priority, ttl int, source string) (uint64, error) {
	ch, ok := b.channels[channel]
	if !ok {
		return 0, scberr.SchemaInvalid("unknown channel: " + channel)
	}
	breaker := b.breakers[channel]

	start := time.Now()
	var offset uint64

	err := breaker.Execute(ctx, func(c context.Context) error {
		if messageID == "" {
			messageID = uuid.NewString()
		}
		if dup, derr := b.seen.Seen(c, messageID, ch.spec.Retention); derr == nil && dup {
			// idempotent: a duplicate message_id is a no-op success that
			// does not re-append (§4.A "idempotent on a caller-supplied
			// message_id"). The seen-set records only the id, so the
			// offset returned for a duplicate is 0, not the offset the
			// first publish was assigned.
			return nil
		}

		env := Envelope{
			MessageID:     messageID,
			Channel:       channel,
			MessageType:   messageType,
			Payload:       payload,
			Timestamp:     time.Now().UTC(),
			SourceService: source,
			Priority:      priority,
			TTL:           ttl,
		}
		o, aerr := ch.Append(c, env)
		if aerr != nil {
			return aerr
		}
		offset = o
		return nil
	})

	metrics.RecordPublish(channel, err, time.Since(start))
	metrics.SetChannelLength(channel, ch.Len())
	metrics.SetBreakerState(channel, int(breaker.State()))

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return 0, scberr.CircuitOpen(channel)
		}
		return 0, err
	}
	return offset, nil
}

// Subscribe runs handler over batches pulled from channel under
// consumerGroup until ctx is cancelled, blocking up to 5s between polls
// when the channel is empty (§4.A).
func (b *Bus) Subscribe(ctx context.Context, channel, consumerGroup string, handler HandlerFunc) error {
	ch, ok := b.channels[channel]
	if !ok {
		return scberr.SchemaInvalid("unknown channel: " + channel)
	}

	const batchSize = 10
	const maxBlock = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch := ch.Pull(consumerGroup, batchSize, b.maxAttempts)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(maxBlock):
			}
			continue
		}

		for _, env := range batch {
			if err := handler(ctx, env); err != nil {
				if dead := ch.Nack(consumerGroup, env.Offset); dead {
					metrics.RecordDeadLetter(channel, consumerGroup)
				}
				continue
			}
			ch.Ack(consumerGroup, env.Offset)
		}
	}
}

// Trim evicts the oldest messages on channel beyond maxLen (§4.A).
func (b *Bus) Trim(channel string, maxLen int) error {
	ch, ok := b.channels[channel]
	if !ok {
		return scberr.SchemaInvalid("unknown channel: " + channel)
	}
	ch.Trim(maxLen)
	return nil
}

// ChannelLength reports a channel's current retained length, for health
// reporting (§7 "Health endpoint reports... per-channel length").
func (b *Bus) ChannelLength(channel string) int {
	ch, ok := b.channels[channel]
	if !ok {
		return 0
	}
	return ch.Len()
}

// BreakerState reports a channel's breaker state, for health reporting.
func (b *Bus) BreakerState(channel string) resilience.State {
	if br, ok := b.breakers[channel]; ok {
		return br.State()
	}
	return resilience.StateClosed
}

// ResetBreaker forces channel's circuit breaker back to Closed, for the
// `circuit reset <name>` administrative operation (§6).
func (b *Bus) ResetBreaker(channel string) error {
	br, ok := b.breakers[channel]
	if !ok {
		return scberr.SchemaInvalid("unknown channel: " + channel)
	}
	br.Reset()
	return nil
}

// ReplayFrom rewinds consumerGroup on channel to offset, for the `bus
// replay --from-offset` administrative operation (§6).
func (b *Bus) ReplayFrom(channel, consumerGroup string, offset uint64) error {
	ch, ok := b.channels[channel]
	if !ok {
		return scberr.SchemaInvalid("unknown channel: " + channel)
	}
	ch.SetGroupOffset(consumerGroup, offset)
	return nil
}
