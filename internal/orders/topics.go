package orders

const TopicOrderEvents = "order.events"

// PartitionKey keeps every event of one order on one partition, in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
