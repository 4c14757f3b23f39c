package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusPaymentPending, true},
		{StatusCreated, StatusCompleted, false},
		{StatusPaymentPending, StatusCompleted, true},
		{StatusPaymentPending, StatusPaymentConfirmed, true},
		{StatusPaymentPending, StatusCODConfirmed, true},
		{StatusPaymentConfirmed, StatusCompleted, true},
		{StatusPaymentConfirmed, StatusPaymentPending, false},
		{StatusNeedsReview, StatusCompleted, true},
		{StatusNeedsReview, StatusPaymentPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusPaymentPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPaymentPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFailureStatesReachableFromEveryNonTerminal(t *testing.T) {
	for from := range validNext {
		if from.Terminal() {
			assert.Empty(t, validNext[from], "%s must be terminal", from)
			continue
		}
		for _, to := range []Status{StatusFailed, StatusCancelled} {
			assert.True(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMergeItems(t *testing.T) {
	got := MergeItems([]ItemQty{{"v-b", 1}, {"v-a", 2}, {"v-b", 3}})
	assert.Equal(t, []ItemQty{{"v-a", 2}, {"v-b", 4}}, got)
}
