// Package service orchestrates the core components of the
// exchange: ledger, markets, accounts, deposits and withdrawals.
//
// Engine applies verified batches one at a time and is the only
// writer of that state. Runner wraps it with the journal, signature
// verification, the withdrawal outbox, notifications and snapshots,
// decoupled from transports like Kafka or gRPC.
package service
