// Package broadcaster holds the background jobs that move engine
// output to Kafka: the withdrawal relay that drains the outbox, and the
// notifier that fans depth diffs and candles out to a sink.
package broadcaster
