package models

import (
	"time"

	"github.com/google/uuid"
)

// Discovery run types recorded in the audit trail.
const (
	DiscoveryBootstrap = "bootstrap"
	DiscoveryDexes     = "dexes"
	DiscoveryPools     = "pools"
	DiscoveryNewPools  = "new_pools"
)

// DiscoveryMetadata is one append-only audit row per discovery run.
type DiscoveryMetadata struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	DiscoveryType   string        `json:"discovery_type" db:"discovery_type"`
	Target          string        `json:"target" db:"target"`
	DexesFound      int           `json:"dexes_found" db:"dexes_found"`
	PoolsFound      int           `json:"pools_found" db:"pools_found"`
	PoolsIncluded   int           `json:"pools_included" db:"pools_included"`
	TokensExtracted int           `json:"tokens_extracted" db:"tokens_extracted"`
	APICalls        int           `json:"api_calls" db:"api_calls"`
	Errors          []string      `json:"errors,omitempty" db:"errors"`
	Duration        time.Duration `json:"duration" db:"duration"`
	StartedAt       time.Time     `json:"started_at" db:"started_at"`
}

// NewDiscoveryMetadata starts an audit row for a run of the given type.
func NewDiscoveryMetadata(discoveryType, target string) *DiscoveryMetadata {
	return &DiscoveryMetadata{
		ID:            uuid.New(),
		DiscoveryType: discoveryType,
		Target:        target,
		StartedAt:     time.Now().UTC(),
	}
}
