package orders

const (
	TopicOrderStatusChanged = "order.status.changed"
	TopicReservationExpired = "order.reservation.expired"
	TopicPaymentIncident    = "order.payment.incident"
)

// LifecycleTopics are consumed together by the audit worker.
var LifecycleTopics = []string{TopicOrderStatusChanged, TopicReservationExpired, TopicPaymentIncident}

// Partition key = order_id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
