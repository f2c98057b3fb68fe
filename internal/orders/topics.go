package orders

const (
	TopicNewOrderReceived   = "order.new_received"
	TopicOrderStatusChanged = "order.status_changed"
)

// TopicFor maps an event type to its topic (Kafka) or routing key (RabbitMQ).
func TopicFor(eventType string) string {
	switch eventType {
	case EventNewOrderReceived:
		return TopicNewOrderReceived
	case EventOrderStatusChanged:
		return TopicOrderStatusChanged
	}
	return ""
}

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
