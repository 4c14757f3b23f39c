package orders

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	envs   []Envelope
}

func (s *recordingSink) Emit(_ context.Context, topic string, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.envs = append(s.envs, env)
}

type countingCache struct{ invalidated []string }

func (c *countingCache) Invalidate(_ context.Context, orderID string) error {
	c.invalidated = append(c.invalidated, orderID)
	return nil
}

func newMachineFixture(status Status) (*Machine, *MemoryStore, *recordingSink, *countingCache) {
	store := NewMemoryStore()
	store.PutOrder(Order{ID: "o-1", OwnerID: "u-1", Status: status, Currency: "INR"})
	sink := &recordingSink{}
	cache := &countingCache{}
	m := &Machine{
		Store:    store,
		Cache:    cache,
		Events:   sink,
		Producer: "test",
		Now:      func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return m, store, sink, cache
}

func TestMachineApplyEmitsStatusChanged(t *testing.T) {
	m, store, sink, cache := newMachineFixture(StatusPaymentPending)

	applied, err := m.Apply(context.Background(), Transition{
		OrderID: "o-1",
		From:    []Status{StatusPaymentPending},
		To:      StatusCompleted,
		Patch:   PaymentPatch{ProviderPaymentID: "pay_1", Signature: "sig"},
		Reason:  "verified",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	o, err := store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, "pay_1", o.PaymentProviderPaymentID)
	assert.Equal(t, []string{"o-1"}, cache.invalidated)

	require.Len(t, sink.envs, 1)
	assert.Equal(t, TopicOrderStatusChanged, sink.topics[0])
	assert.Equal(t, EventOrderStatusChanged, sink.envs[0].EventType)
	assert.Equal(t, "o-1", sink.envs[0].CorrelationID)
	var p StatusChangedPayload
	require.NoError(t, json.Unmarshal(sink.envs[0].Payload, &p))
	assert.Equal(t, StatusPaymentPending, p.From)
	assert.Equal(t, StatusCompleted, p.To)
	assert.Equal(t, "verified", p.Reason)
}

func TestMachineCASMissIsBenign(t *testing.T) {
	m, store, sink, cache := newMachineFixture(StatusCompleted)

	applied, err := m.Apply(context.Background(), Transition{
		OrderID: "o-1",
		From:    []Status{StatusPaymentPending},
		To:      StatusFailed,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	o, _ := store.GetOrder(context.Background(), "o-1")
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Empty(t, sink.envs)
	assert.Empty(t, cache.invalidated)
}

func TestMachineRejectsEdgeOutsideGraph(t *testing.T) {
	m, store, _, _ := newMachineFixture(StatusCompleted)

	_, err := m.Apply(context.Background(), Transition{
		OrderID: "o-1",
		From:    []Status{StatusCompleted},
		To:      StatusPaymentPending,
	})
	require.Error(t, err)

	_, err = m.Apply(context.Background(), Transition{OrderID: "o-1", To: StatusFailed})
	require.Error(t, err)

	o, _ := store.GetOrder(context.Background(), "o-1")
	assert.Equal(t, StatusCompleted, o.Status)
}

func TestMachineConcurrentWritersOnlyOneWins(t *testing.T) {
	m, store, sink, _ := newMachineFixture(StatusPaymentPending)

	targets := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusCompleted, StatusFailed}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range targets {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			ok, err := m.Apply(context.Background(), Transition{OrderID: "o-1", From: []Status{StatusPaymentPending}, To: to})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, sink.envs, 1)
	o, _ := store.GetOrder(context.Background(), "o-1")
	assert.True(t, o.Status.Terminal())
}
