// Package storage provides the persistence layer for the agent core.
//
// It holds the few tables the scheduler depends on:
//   - Daily usage ledger rows + immutable call log (audit)
//   - Monitored entities with their next-check timestamps
//   - Processed markers (idempotency)
//   - Review queue for entities needing human attention
//   - A minimal artifact queue feeding the posting job
package storage
