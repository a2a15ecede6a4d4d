package orders

// Topics names the message channel destinations for one deployment.
type Topics struct {
	Created     string
	CreatedDLQ  string
	CancelDelay string
	Cancel      string
	CancelDLQ   string
}

func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "flashsale"
	}
	return Topics{
		Created:     prefix + ".order.created",
		CreatedDLQ:  prefix + ".order.created.dlq",
		CancelDelay: prefix + ".order.ttl",
		Cancel:      prefix + ".order.cancel",
		CancelDLQ:   prefix + ".order.cancel.dlq",
	}
}

// Partition key = order_id, so every message of one order lands on one partition.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
