// Package bus abstracts the topic-addressed publish/subscribe channel the
// lab's agents communicate over. Two implementations exist: an in-process
// bus used by the simulate command and tests, and an MQTT-backed bus for
// running agents as separate processes against a real broker.
package bus

import (
	"context"
	"strings"
	"time"
)

// Message represents a message delivered to a subscriber.
type Message struct {
	// Topic is the concrete topic this message was published to.
	Topic string

	// Payload is the encoded message content.
	Payload []byte

	// Timestamp when the message was published.
	Timestamp time.Time
}

// Bus is the messaging contract shared by all agents. Delivery is
// best-effort fan-out to all current subscribers of a matching filter;
// no ordering is guaranteed across topics.
type Bus interface {
	// Publish sends a payload to the given topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers interest in a topic filter. The filter may use
	// MQTT-style wildcards: "+" matches one level, a trailing "#" matches
	// any remainder. The returned function cancels the subscription.
	Subscribe(ctx context.Context, filter string) (<-chan Message, func(), error)

	// Close shuts the bus down and releases all subscriptions.
	Close() error
}

// TopicMatches reports whether a concrete topic matches a subscription
// filter under MQTT wildcard semantics.
func TopicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, fp := range filterParts {
		if fp == "#" {
			// "#" must be the last filter level and matches everything below.
			return i == len(filterParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if fp != "+" && fp != topicParts[i] {
			return false
		}
	}

	return len(filterParts) == len(topicParts)
}
