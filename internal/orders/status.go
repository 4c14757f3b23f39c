package orders

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusPaymentPending   Status = "PAYMENT_PENDING"
	StatusPaymentConfirmed Status = "PAYMENT_CONFIRMED"
	StatusCODConfirmed     Status = "COD_CONFIRMED"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusNeedsReview      Status = "NEEDS_REVIEW"
)

// Status only moves forward along these edges. FAILED, CANCELLED and
// NEEDS_REVIEW are reachable from every non-terminal state.
var validNext = map[Status]map[Status]bool{
	StatusCreated: {
		StatusPaymentPending: true,
		StatusFailed:         true, StatusCancelled: true, StatusNeedsReview: true,
	},
	StatusPaymentPending: {
		StatusPaymentConfirmed: true, StatusCODConfirmed: true, StatusCompleted: true,
		StatusFailed: true, StatusCancelled: true, StatusNeedsReview: true,
	},
	StatusPaymentConfirmed: {
		StatusCompleted: true,
		StatusFailed:    true, StatusCancelled: true, StatusNeedsReview: true,
	},
	StatusCODConfirmed: {
		StatusCompleted: true,
		StatusFailed:    true, StatusCancelled: true, StatusNeedsReview: true,
	},
	StatusNeedsReview: {
		StatusCompleted: true, StatusFailed: true, StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Confirmed reports whether payment (or COD acceptance) has been recorded.
func (s Status) Confirmed() bool {
	return s == StatusPaymentConfirmed || s == StatusCODConfirmed || s == StatusCompleted
}
