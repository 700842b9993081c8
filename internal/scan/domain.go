package scan

import (
	"fmt"
	"time"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/units"
)

// Operation is the tagged union of scan operations. Each variant
// carries its own payload so the processor switch stays exhaustive.
type Operation interface {
	Kind() units.Operation
	isOperation()
}

// Receive completes an in-flight transfer at the destination, or
// confirms a unit in place.
type Receive struct {
	BinLocation string
}

// TransferOut marks a unit in transit at its source location. The
// location is deliberately left unchanged until the counterpart
// receive scan completes the move.
type TransferOut struct{}

// Audit records counted stock against the expected quantity.
type Audit struct {
	ActualQuantity float64
}

// Damage retires a unit as damaged.
type Damage struct{}

// Reprint logs a label reprint without touching unit state.
type Reprint struct{}

// Convert splits a unit into child units at a target tier, or adjusts
// the aggregate counter when the template does not track units.
type Convert struct {
	TargetTierID string
}

func (Receive) Kind() units.Operation     { return units.OperationReceiving }
func (TransferOut) Kind() units.Operation { return units.OperationTransferOut }
func (Audit) Kind() units.Operation       { return units.OperationAudit }
func (Damage) Kind() units.Operation      { return units.OperationDamage }
func (Reprint) Kind() units.Operation     { return units.OperationReprint }
func (Convert) Kind() units.Operation     { return units.OperationConvert }

func (Receive) isOperation()     {}
func (TransferOut) isOperation() {}
func (Audit) isOperation()       {}
func (Damage) isOperation()      {}
func (Reprint) isOperation()     {}
func (Convert) isOperation()     {}

// Request is one scan event. Location and user context always arrive
// as explicit parameters; the engine reads no ambient session state.
type Request struct {
	QRCode         string
	Op             Operation
	StoreID        string
	LocationID     string
	LocationName   string
	UserID         string
	UserName       string
	Notes          string
	IdempotencyKey string
}

// Result reports a processed scan.
type Result struct {
	Unit     units.Unit
	Record   units.ScanRecord
	Children []units.Unit
	Variance float64
	// Replayed marks an idempotent resubmission: the original request
	// already succeeded, nothing was applied twice.
	Replayed bool
}

// Failure is a persisted rejected scan, kept inspectable instead of
// silently dropped.
type Failure struct {
	ID         string
	QRCode     string
	Operation  units.Operation
	Reason     string
	StoreID    string
	LocationID string
	UserID     string
	Notes      string
	OccurredAt time.Time
}

var (
	// ErrLocationMismatch indicates a scan issued from the wrong location.
	ErrLocationMismatch = fmt.Errorf("scan: %w", shared.ErrLocationMismatch)
	// ErrValidation indicates a malformed scan request.
	ErrValidation = fmt.Errorf("scan: %w", shared.ErrValidation)
)
