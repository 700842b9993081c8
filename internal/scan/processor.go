package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/tiers"
	"github.com/packtrace/packtrace/internal/units"
)

// RegistryPort abstracts the unit registry for the processor.
type RegistryPort interface {
	Lookup(ctx context.Context, qrCode string) (units.Unit, error)
	ApplyTransition(ctx context.Context, unit units.Unit, change units.Change, record units.ScanRecord) (units.Unit, error)
	AppendRecord(ctx context.Context, unit units.Unit, record units.ScanRecord) error
	ApplyConversion(ctx context.Context, parent units.Unit, retire units.Change, childTier tiers.ConversionTier, children []units.CreateInput, record units.ScanRecord) ([]units.Unit, error)
	AdjustStock(ctx context.Context, adjustments []units.StockAdjustment) error
}

// CatalogPort exposes the tier catalog operations the processor needs.
type CatalogPort interface {
	ResolveByPrefix(ctx context.Context, code string) (tiers.ConversionTier, error)
	TierByID(ctx context.Context, id string) (tiers.ConversionTier, error)
	PlanConversion(ctx context.Context, fromID, toID string, sourceQty float64) (tiers.ConversionPlan, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// FailureSink persists rejected scans for later inspection.
type FailureSink interface {
	RecordFailure(ctx context.Context, failure Failure) error
}

// MetricsPort counts processed scans.
type MetricsPort interface {
	ObserveScan(operation, outcome string)
}

// IdempotencyPort guards against duplicate submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Config groups behavioural settings.
type Config struct {
	// AuditTolerance is the absolute variance above which an audit
	// scan is flagged.
	AuditTolerance float64
	// ApplyAuditCorrections makes audit scans overwrite the unit
	// quantity with the counted value. Off by default: an audit is a
	// reconciliation log, not an automatic stock adjustment.
	ApplyAuditCorrections bool
}

// Processor applies a single scan operation to one unit: validates the
// transition against tier and location context, mutates the unit, and
// appends an immutable scan record.
type Processor struct {
	registry    RegistryPort
	catalog     CatalogPort
	audit       AuditPort
	idempotency IdempotencyPort
	failures    FailureSink
	metrics     MetricsPort
	cfg         Config
	logger      *slog.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(registry RegistryPort, catalog CatalogPort, audit AuditPort, idem IdempotencyPort, failures FailureSink, metrics MetricsPort, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		registry:    registry,
		catalog:     catalog,
		audit:       audit,
		idempotency: idem,
		failures:    failures,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
	}
}

// Process handles one scan request end to end. Business failures come
// back as typed errors and are never retried here; the caller decides
// based on shared.Retryable.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if req.Op == nil {
		return Result{}, fmt.Errorf("%w: operation required", ErrValidation)
	}
	op := req.Op.Kind()
	if req.QRCode == "" || req.StoreID == "" || req.LocationID == "" || req.UserID == "" {
		return p.reject(ctx, req, fmt.Errorf("%w: qr code, store, location and user required", ErrValidation))
	}

	insertedKey := false
	if req.IdempotencyKey != "" && p.idempotency != nil {
		key := idempotencyKey(req)
		if err := p.idempotency.CheckAndInsert(ctx, key, "scan"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return p.replay(ctx, req)
			}
			return Result{}, err
		}
		insertedKey = true
	}

	result, err := p.apply(ctx, req)
	if err != nil {
		if insertedKey {
			// Free the key so a later attempt is not mistaken for a
			// replay of a success.
			_ = p.idempotency.Delete(ctx, idempotencyKey(req))
		}
		return p.reject(ctx, req, err)
	}
	p.observe(op, "completed")
	p.recordAudit(ctx, req, result)
	return result, nil
}

func (p *Processor) apply(ctx context.Context, req Request) (Result, error) {
	unit, err := p.registry.Lookup(ctx, req.QRCode)
	if err != nil {
		return Result{}, err
	}
	if unit.StoreID != req.StoreID {
		return Result{}, fmt.Errorf("%w: unit belongs to store %s", ErrValidation, unit.StoreID)
	}
	// Decode the tier straight off the label. A prefix that resolves to
	// a different tier than the registry row means the label and the
	// unit have drifted apart and the scan cannot be trusted.
	decoded, err := p.catalog.ResolveByPrefix(ctx, req.QRCode)
	if err != nil {
		return Result{}, fmt.Errorf("%w: no tier matches code prefix", ErrValidation)
	}
	if decoded.ID != unit.TierID {
		return Result{}, fmt.Errorf("%w: label tier %s does not match unit tier %s", ErrValidation, decoded.ID, unit.TierID)
	}

	record := units.ScanRecord{
		ID:              uuid.NewString(),
		Operation:       req.Op.Kind(),
		OperationStatus: "completed",
		LocationID:      req.LocationID,
		LocationName:    req.LocationName,
		ScannedBy:       req.UserID,
		ScannedByName:   req.UserName,
		Notes:           req.Notes,
		ScannedAt:       time.Now().UTC(),
	}

	switch op := req.Op.(type) {
	case Receive:
		return p.applyReceive(ctx, unit, op, req, record)
	case TransferOut:
		return p.applyTransferOut(ctx, unit, req, record)
	case Audit:
		return p.applyAudit(ctx, unit, op, record)
	case Damage:
		updated, err := p.registry.ApplyTransition(ctx, unit, units.Change{Status: units.StatusDamaged}, record)
		if err != nil {
			return Result{}, err
		}
		return Result{Unit: updated, Record: record}, nil
	case Reprint:
		// Log-only: the record is appended without touching the unit
		// row, so a reprint never races a concurrent state change.
		if err := p.registry.AppendRecord(ctx, unit, record); err != nil {
			return Result{}, err
		}
		return Result{Unit: unit, Record: record}, nil
	case Convert:
		return p.applyConvert(ctx, unit, op, req, record)
	default:
		return Result{}, fmt.Errorf("%w: unsupported operation %T", ErrValidation, req.Op)
	}
}

// applyReceive completes a transfer at a new location or confirms the
// unit in place. Either way the unit ends up available here.
func (p *Processor) applyReceive(ctx context.Context, unit units.Unit, op Receive, req Request, record units.ScanRecord) (Result, error) {
	change := units.Change{Status: units.StatusAvailable}
	if unit.CurrentLocationID != req.LocationID {
		if unit.Status != units.StatusInTransit && unit.Status != units.StatusAvailable {
			return Result{}, fmt.Errorf("%w: cannot receive %s unit from another location", units.ErrInvalidTransition, unit.Status)
		}
		change.LocationID = &req.LocationID
		record.Operation = units.OperationTransferIn
	}
	if op.BinLocation != "" {
		change.BinLocation = &op.BinLocation
	}
	updated, err := p.registry.ApplyTransition(ctx, unit, change, record)
	if err != nil {
		return Result{}, err
	}
	return Result{Unit: updated, Record: record}, nil
}

// applyTransferOut puts the unit in transit. The unit must be scanned
// available at its current location; the location itself only changes
// when the destination receive scan lands.
func (p *Processor) applyTransferOut(ctx context.Context, unit units.Unit, req Request, record units.ScanRecord) (Result, error) {
	if unit.CurrentLocationID != req.LocationID {
		return Result{}, fmt.Errorf("%w: unit is at %s", ErrLocationMismatch, unit.CurrentLocationID)
	}
	if unit.Status != units.StatusAvailable {
		return Result{}, fmt.Errorf("%w: transfer out requires available, unit is %s", units.ErrInvalidTransition, unit.Status)
	}
	updated, err := p.registry.ApplyTransition(ctx, unit, units.Change{Status: units.StatusInTransit}, record)
	if err != nil {
		return Result{}, err
	}
	return Result{Unit: updated, Record: record}, nil
}

// applyAudit logs the signed variance between counted and expected
// quantity. The unit quantity is only corrected when the policy says so.
func (p *Processor) applyAudit(ctx context.Context, unit units.Unit, op Audit, record units.ScanRecord) (Result, error) {
	if op.ActualQuantity < 0 {
		return Result{}, fmt.Errorf("%w: negative counted quantity", ErrValidation)
	}
	variance := op.ActualQuantity - unit.Quantity
	record.Variance = variance
	if math.Abs(variance) > p.cfg.AuditTolerance {
		record.Notes = strings.TrimSpace(record.Notes + " [discrepancy]")
	}
	change := units.Change{Status: unit.Status}
	if p.cfg.ApplyAuditCorrections {
		change.Quantity = &op.ActualQuantity
	}
	updated, err := p.registry.ApplyTransition(ctx, unit, change, record)
	if err != nil {
		return Result{}, err
	}
	return Result{Unit: updated, Record: record, Variance: variance}, nil
}

// applyConvert resolves the tier edge and either splits the unit into
// children at the target tier or adjusts the aggregate counter.
func (p *Processor) applyConvert(ctx context.Context, unit units.Unit, op Convert, req Request, record units.ScanRecord) (Result, error) {
	if op.TargetTierID == "" {
		return Result{}, fmt.Errorf("%w: target tier required", ErrValidation)
	}
	plan, err := p.catalog.PlanConversion(ctx, unit.TierID, op.TargetTierID, unit.Quantity)
	if err != nil {
		return Result{}, err
	}

	if !plan.TrackIndividualUnits {
		retire := units.Change{Status: units.StatusConsumed}
		if plan.Remainder > 0 {
			// Partial split: the remainder stays on the parent so the
			// aggregate credit plus the parent always equals the source.
			retire = units.Change{Status: unit.Status, Quantity: &plan.Remainder}
		}
		retired, err := p.registry.ApplyTransition(ctx, unit, retire, record)
		if err != nil {
			return Result{}, err
		}
		adjustments := []units.StockAdjustment{{
			StoreID:    unit.StoreID,
			LocationID: unit.CurrentLocationID,
			TierID:     plan.To.ID,
			ProductID:  unit.ProductID,
			Delta:      float64(plan.ChildCount) * plan.ChildQuantity,
		}}
		if err := p.registry.AdjustStock(ctx, adjustments); err != nil {
			return Result{}, err
		}
		return Result{Unit: retired, Record: record}, nil
	}

	batch := unit.BatchNumber
	if batch == "" {
		batch = "CVT-" + uuid.NewString()[:8]
	}
	children := make([]units.CreateInput, plan.ChildCount)
	for i := range children {
		children[i] = units.CreateInput{
			StoreID:     unit.StoreID,
			ProductID:   unit.ProductID,
			Quantity:    plan.ChildQuantity,
			LocationID:  unit.CurrentLocationID,
			BinLocation: unit.BinLocation,
			BatchNumber: batch,
			Generation:  unit.Generation + 1,
			UserID:      req.UserID,
			UserName:    req.UserName,
		}
	}
	retire := units.Change{Status: units.StatusConsumed}
	if plan.Remainder > 0 {
		// Partial conversion keeps the remainder on the parent.
		retire = units.Change{Status: unit.Status, Quantity: &plan.Remainder}
	}
	created, err := p.registry.ApplyConversion(ctx, unit, retire, plan.To, children, record)
	if err != nil {
		return Result{}, err
	}
	result := Result{Record: record, Children: created}
	result.Unit, err = p.registry.Lookup(ctx, unit.ID)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// replay answers an idempotent resubmission with the current unit
// state and no side effects.
func (p *Processor) replay(ctx context.Context, req Request) (Result, error) {
	unit, err := p.registry.Lookup(ctx, req.QRCode)
	if err != nil {
		return Result{}, err
	}
	p.observe(req.Op.Kind(), "replayed")
	return Result{Unit: unit, Replayed: true}, nil
}

// reject persists the failed scan for inspection and passes the error
// through unchanged.
func (p *Processor) reject(ctx context.Context, req Request, cause error) (Result, error) {
	op := units.Operation("")
	if req.Op != nil {
		op = req.Op.Kind()
	}
	p.observe(op, "failed")
	if p.failures != nil {
		failure := Failure{
			ID:         uuid.NewString(),
			QRCode:     req.QRCode,
			Operation:  op,
			Reason:     cause.Error(),
			StoreID:    req.StoreID,
			LocationID: req.LocationID,
			UserID:     req.UserID,
			Notes:      req.Notes,
			OccurredAt: time.Now().UTC(),
		}
		if err := p.failures.RecordFailure(ctx, failure); err != nil && p.logger != nil {
			p.logger.Warn("record scan failure", slog.Any("error", err))
		}
	}
	return Result{}, cause
}

func (p *Processor) observe(op units.Operation, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveScan(string(op), outcome)
}

func (p *Processor) recordAudit(ctx context.Context, req Request, result Result) {
	if p.audit == nil {
		return
	}
	meta := map[string]any{
		"store_id":    req.StoreID,
		"location_id": req.LocationID,
		"status":      string(result.Unit.Status),
	}
	if len(result.Children) > 0 {
		meta["children"] = len(result.Children)
	}
	if result.Record.Variance != 0 {
		meta["variance"] = result.Record.Variance
	}
	_ = p.audit.Record(ctx, shared.AuditLog{
		ActorID:  req.UserID,
		Action:   fmt.Sprintf("scan:%s", req.Op.Kind()),
		Entity:   "unit",
		EntityID: req.QRCode,
		Meta:     meta,
	})
}

func idempotencyKey(req Request) string {
	return fmt.Sprintf("scan:%s:%s:%s", req.Op.Kind(), req.QRCode, req.IdempotencyKey)
}
