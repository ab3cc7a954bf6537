package storage

// Package storage provides the SQL persistence layer used by the bridge.
//
// It currently supports:
//   - The report success log (one row per completed delivery)
//   - The checkpoint store (failed deliveries awaiting replay)
//   - Poll watermarks (last-run bookkeeping for the flow-run poller)
//
// Drivers: "sqlite" (modernc, pure Go) and "postgres" (pgx stdlib).
