package publisher

// Message is the envelope published for every observed value or error
type Message struct {
	Watch    string      `msgpack:"watch"`           // Watch name
	Database string      `msgpack:"db"`              // Logical database name
	Seq      uint64      `msgpack:"seq"`             // Per-watch delivery sequence, starting at 1
	NodeID   uint64      `msgpack:"node"`            // Publishing node
	TS       int64       `msgpack:"ts"`              // Publish time (unix ms)
	Value    interface{} `msgpack:"value"`           // Observed value
	Error    string      `msgpack:"error,omitempty"` // Set instead of Value for errors
}

// Sink represents a destination for watch messages (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}
