// Package rabbitmq publishes outbox records to a RabbitMQ exchange with
// publisher confirms.
//
// The record kind is the routing key and the record id is the AMQP message
// id, so consumers can deduplicate redeliveries.
package rabbitmq
