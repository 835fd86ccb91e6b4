package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/resilience"
)

var errFailingCall = errors.New("simulated failure")

func testSpecs() []ChannelSpec {
	return []ChannelSpec{
		{Name: "context_mutations", MaxLen: 4, Retention: time.Hour, TimeoutWindow: 4 * time.Second},
	}
}

func TestBus_PublishAssignsIncreasingOffsets(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)

	o1, err := b.Publish(context.Background(), "context_mutations", "m1", "t", []byte("a"), 0, 60, "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o2, err := b.Publish(context.Background(), "context_mutations", "m2", "t", []byte("b"), 0, 60, "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o2 <= o1 {
		t.Errorf("expected increasing offsets, got %d then %d", o1, o2)
	}
}

func TestBus_PublishDedupesOnMessageID(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)

	if _, err := b.Publish(context.Background(), "context_mutations", "dup", "t", []byte("a"), 0, 60, "svc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Publish(context.Background(), "context_mutations", "dup", "t", []byte("a"), 0, 60, "svc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := b.ChannelLength("context_mutations"); got != 1 {
		t.Errorf("expected exactly one message retained after a duplicate publish, got %d", got)
	}
}

func TestBus_PublishAtCapacityReturnsBackpressure(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)
	for i := 0; i < 4; i++ {
		if _, err := b.Publish(context.Background(), "context_mutations", "", "t", []byte("x"), 0, 60, "svc"); err != nil {
			t.Fatalf("unexpected error at i=%d: %v", i, err)
		}
	}
	if got := b.ChannelLength("context_mutations"); got != 4 {
		t.Fatalf("expected channel at max_len=4, got %d", got)
	}

	_, err := b.Publish(context.Background(), "context_mutations", "", "t", []byte("overflow"), 0, 60, "svc")
	if err == nil {
		t.Fatalf("expected the 5th publish at 100%% occupancy to be rejected")
	}
}

func TestChannel_TrimAtMaxLenEvictsOldest(t *testing.T) {
	ch := NewChannel(ChannelSpec{Name: "x", MaxLen: 10, Retention: time.Hour, TimeoutWindow: time.Second})
	for i := 0; i < 4; i++ {
		if _, err := ch.Append(context.Background(), Envelope{MessageID: "m"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	ch.Trim(2)
	if got := ch.Len(); got != 2 {
		t.Errorf("expected Trim to cap the channel at 2, got %d", got)
	}
}

func TestBus_SubscribeDeliversAndAcks(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)
	if _, err := b.Publish(context.Background(), "context_mutations", "m1", "t", []byte("a"), 0, 60, "svc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan Envelope, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, "context_mutations", "g1", func(_ context.Context, env Envelope) error {
			delivered <- env
			cancel()
			return nil
		})
	}()

	select {
	case env := <-delivered:
		// payload is stored raw, exactly as passed to Publish
		if string(env.Payload) != "a" {
			t.Errorf("expected payload %q, got %q", "a", string(env.Payload))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected handler to be invoked within 1s")
	}

	<-done
	if got := b.channels["context_mutations"].GroupOffset("g1"); got != 1 {
		t.Errorf("expected the ack to advance g1 past offset 0 to 1, got %d", got)
	}
}

func TestBus_NackExhaustsToDeadLetter(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 2)
	if _, err := b.Publish(context.Background(), "context_mutations", "m1", "t", []byte("a"), 0, 60, "svc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch := b.channels["context_mutations"]
	batch := ch.Pull("g1", 10, 2)
	if len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d", len(batch))
	}

	if dead := ch.Nack("g1", batch[0].Offset); dead {
		t.Fatalf("expected first nack to not dead-letter yet")
	}
	if dead := ch.Nack("g1", batch[0].Offset); !dead {
		t.Fatalf("expected second nack to exhaust max_attempts and dead-letter")
	}
	if len(ch.DeadLettered()) != 1 {
		t.Errorf("expected 1 dead-lettered message, got %d", len(ch.DeadLettered()))
	}
}

func TestChannel_SetGroupOffsetClampsToRange(t *testing.T) {
	ch := NewChannel(ChannelSpec{Name: "x", MaxLen: 10, Retention: time.Hour, TimeoutWindow: time.Second})
	for i := 0; i < 4; i++ {
		if _, err := ch.Append(context.Background(), Envelope{MessageID: "m"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	ch.SetGroupOffset("g1", 2)
	if got := ch.GroupOffset("g1"); got != 2 {
		t.Errorf("expected offset 2, got %d", got)
	}

	ch.SetGroupOffset("g1", 999)
	if got := ch.GroupOffset("g1"); got != ch.nextOffset {
		t.Errorf("expected offset clamped to nextOffset %d, got %d", ch.nextOffset, got)
	}
}

func TestBus_ReplayFromRewindsConsumerGroup(t *testing.T) {
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(context.Background(), "context_mutations", "", "t", []byte("x"), 0, 60, "svc"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	ch := b.channels["context_mutations"]
	ch.SetGroupOffset("g1", ch.nextOffset)

	if err := b.ReplayFrom("context_mutations", "g1", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ch.GroupOffset("g1"); got != 0 {
		t.Errorf("expected group rewound to offset 0, got %d", got)
	}

	if err := b.ReplayFrom("no_such_channel", "g1", 0); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestBus_ResetBreakerForcesClosed(t *testing.T) {
	cfg := resilience.Config{FailureThreshold: 1, TimeoutWindow: time.Hour}
	b := New(testSpecs(), NewMemorySeenSet(time.Minute), cfg, 3)
	br := b.breakers["context_mutations"]
	br.Execute(context.Background(), func(context.Context) error { return errFailingCall })
	if br.State() != resilience.StateOpen {
		t.Fatalf("expected breaker to be open after a failure at threshold 1")
	}

	if err := b.ResetBreaker("context_mutations"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if br.State() != resilience.StateClosed {
		t.Errorf("expected breaker closed after reset, got %s", br.State())
	}

	if err := b.ResetBreaker("no_such_channel"); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}
