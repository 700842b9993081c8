package reconcile

import (
	"fmt"
	"time"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/units"
)

// SnapshotStatus enumerates async snapshot lifecycle values.
type SnapshotStatus string

const (
	// SnapshotPending indicates waiting to be processed.
	SnapshotPending SnapshotStatus = "PENDING"
	// SnapshotInProgress indicates the worker picked it up.
	SnapshotInProgress SnapshotStatus = "IN_PROGRESS"
	// SnapshotReady indicates the variance payload is consumable.
	SnapshotReady SnapshotStatus = "READY"
	// SnapshotFailed indicates processing errored.
	SnapshotFailed SnapshotStatus = "FAILED"
)

// Count is one physically counted unit submitted for reconciliation.
type Count struct {
	QRCode   string  `json:"qr_code"`
	Quantity float64 `json:"quantity"`
}

// Snapshot stores metadata plus the computed variance payload for one
// location count. Counts are captured at creation time; the variance
// is computed asynchronously against the registry.
type Snapshot struct {
	ID          string
	StoreID     string
	LocationID  string
	Status      SnapshotStatus
	Counts      []Count
	Rows        []VarianceRow
	Error       string
	CreatedBy   string
	GeneratedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VarianceRow is the per-unit outcome of a reconciliation run.
type VarianceRow struct {
	QRCode      string  `json:"qr_code"`
	ProductID   string  `json:"product_id"`
	Expected    float64 `json:"expected"`
	Counted     float64 `json:"counted"`
	Variance    float64 `json:"variance"`
	VariancePct float64 `json:"variance_pct"`
	Missing     bool    `json:"missing"`
	Unexpected  bool    `json:"unexpected"`
	Flagged     bool    `json:"flagged"`
}

// Drift names one disagreement between a unit row and the state its
// scan history implies.
type Drift struct {
	Field   string `json:"field"`
	Stored  string `json:"stored"`
	Derived string `json:"derived"`
}

// VerificationReport is the outcome of replaying a unit's history
// against its materialized row.
type VerificationReport struct {
	Unit       units.Unit
	Derived    units.DerivedState
	Drifts     []Drift
	Consistent bool
}

var (
	// ErrSnapshotNotFound indicates no snapshot matches the id.
	ErrSnapshotNotFound = fmt.Errorf("reconcile: snapshot %w", shared.ErrNotFound)
	// ErrValidation indicates malformed reconciliation input.
	ErrValidation = fmt.Errorf("reconcile: %w", shared.ErrValidation)
)
