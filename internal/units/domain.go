package units

import (
	"fmt"
	"time"

	"github.com/packtrace/packtrace/internal/shared"
)

// Status enumerates unit lifecycle states.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusReserved   Status = "reserved"
	StatusInTransit  Status = "in_transit"
	StatusConsumed   Status = "consumed"
	StatusSold       Status = "sold"
	StatusDamaged    Status = "damaged"
	StatusExpired    Status = "expired"
	StatusSample     Status = "sample"
	StatusAdjustment Status = "adjustment"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusConsumed, StatusSold, StatusDamaged, StatusExpired:
		return true
	}
	return false
}

// allowedTransitions encodes the status machine. Terminal statuses
// have no outgoing edges; a supervisor correction would be a separate
// authorized write path, not a scan.
var allowedTransitions = map[Status][]Status{
	StatusAvailable:  {StatusReserved, StatusInTransit, StatusConsumed, StatusSold, StatusDamaged, StatusExpired, StatusSample, StatusAdjustment},
	StatusReserved:   {StatusAvailable, StatusSold, StatusInTransit},
	StatusInTransit:  {StatusAvailable, StatusDamaged},
	StatusSample:     {StatusAvailable},
	StatusAdjustment: {StatusAvailable},
}

// CanTransition reports whether the status machine allows from -> to.
// A same-status write (audit notes, bin relocation) is not a
// transition and is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Operation enumerates recorded scan operations.
type Operation string

const (
	OperationReceiving   Operation = "receiving"
	OperationTransferOut Operation = "transfer_out"
	OperationTransferIn  Operation = "transfer_in"
	OperationAudit       Operation = "audit"
	OperationDamage      Operation = "damage"
	OperationReprint     Operation = "reprint"
	OperationConvert     Operation = "convert"
)

// Unit is a single physically labeled package. The ID is the QR code
// printed on the label; it is globally unique and never reused.
type Unit struct {
	ID                string
	StoreID           string
	TierID            string
	ProductID         string
	Quantity          float64
	BaseUnit          string
	Generation        int
	Status            Status
	CurrentLocationID string
	BinLocation       string
	BatchNumber       string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScanRecord is an immutable audit entry appended by the scan
// processor in the same transaction as the unit change.
type ScanRecord struct {
	ID              string
	UnitID          string
	Operation       Operation
	OperationStatus string
	LocationID      string
	LocationName    string
	ScannedBy       string
	ScannedByName   string
	Variance        float64
	Notes           string
	ScannedAt       time.Time
}

// Change describes the mutation ApplyTransition performs. Nil fields
// leave the corresponding column untouched.
type Change struct {
	Status      Status
	LocationID  *string
	BinLocation *string
	Quantity    *float64
}

// CreateInput describes a new unit registration.
type CreateInput struct {
	StoreID     string
	TierID      string
	ProductID   string
	Quantity    float64
	BaseUnit    string
	LocationID  string
	BinLocation string
	BatchNumber string
	Generation  int
	UserID      string
	UserName    string
}

var (
	// ErrNotFound indicates no unit matches the QR code.
	ErrNotFound = fmt.Errorf("units: unit %w", shared.ErrNotFound)
	// ErrInvalidTransition indicates a forbidden status change.
	ErrInvalidTransition = fmt.Errorf("units: %w", shared.ErrInvalidTransition)
	// ErrConcurrencyConflict indicates a lost optimistic-version race;
	// the caller must re-read the unit and retry.
	ErrConcurrencyConflict = fmt.Errorf("units: %w", shared.ErrConcurrencyConflict)
	// ErrNegativeStock indicates an aggregate counter would go negative.
	ErrNegativeStock = fmt.Errorf("units: negative stock: %w", shared.ErrValidation)
)

// DerivedState is the fold of a unit's scan history.
type DerivedState struct {
	Status     Status
	LocationID string
	Scans      int
}

// Replay folds an ordered scan history into the state it implies, so
// the materialized unit row can be verified against the append-only
// log. Records with a non-completed operation status are skipped.
func Replay(records []ScanRecord) DerivedState {
	state := DerivedState{Status: StatusAvailable}
	for _, rec := range records {
		if rec.OperationStatus != "" && rec.OperationStatus != "completed" {
			continue
		}
		state.Scans++
		switch rec.Operation {
		case OperationReceiving, OperationTransferIn:
			state.Status = StatusAvailable
			state.LocationID = rec.LocationID
		case OperationTransferOut:
			state.Status = StatusInTransit
		case OperationDamage:
			state.Status = StatusDamaged
		case OperationConvert:
			state.Status = StatusConsumed
		case OperationAudit, OperationReprint:
			// log-only operations
		}
	}
	return state
}
