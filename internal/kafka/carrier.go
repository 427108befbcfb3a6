package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets the OpenTelemetry propagator read and write trace
// context on a message's header slice, so a document's trace follows its
// stage tasks across service boundaries.
type HeaderCarrier []segkafka.Header

// Get returns the value of the first header named key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set stores key/value, overwriting an existing header of the same name.
func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists every header name in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
