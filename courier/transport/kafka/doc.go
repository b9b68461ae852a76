// Package kafka publishes outbox records with segmentio/kafka-go.
//
// The topic is the record kind unless a fixed topic is configured. The
// record id is the message key and is repeated in the event_id header
// together with W3C trace context headers.
package kafka
