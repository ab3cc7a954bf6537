// Package scheduler turns cron expressions and intervals into tasks on the
// engine queue. It never runs jobs itself; overlap, timeouts and retries are
// the engine's concern.
package scheduler
