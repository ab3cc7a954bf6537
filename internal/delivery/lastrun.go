package delivery

import (
	"time"

	"reportbridge/internal/notification"
)

// NextLastRun advances a flow-run watermark past one run. A run that is
// still open (no exited_on) and was modified before current pulls the
// watermark back to its modified_on so it is fetched again next time.
func NextLastRun(current time.Time, p notification.Payload) time.Time {
	if p.ExitedOn != nil || p.ModifiedOn == nil {
		return current
	}
	if p.ModifiedOn.Before(current) {
		return *p.ModifiedOn
	}
	return current
}
