package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// ReportSuccess is one audit row written after a delivery completes.
type ReportSuccess struct {
	ID               int64     `json:"id"`
	DataSetCode      string    `json:"dataSetCode"`
	RegistryRequest  string    `json:"registryRequest"`
	RegistryResponse string    `json:"registryResponse"`
	HubPayload       string    `json:"hubPayload"`
	CreatedAt        time.Time `json:"createdAt"`
}
