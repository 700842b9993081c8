package tiers

import (
	"fmt"
	"math"

	"github.com/packtrace/packtrace/internal/shared"
)

// ConversionTier is a packaging size definition inside a template
// hierarchy. QRPrefix allows decoding the tier straight from a code
// without a registry lookup.
type ConversionTier struct {
	ID            string
	TemplateID    string
	Label         string
	Quantity      float64
	BaseUnit      string
	TierLevel     int
	LocationTypes []string
	QRPrefix      string
	CanConvertTo  []string
	LabelTemplate string
}

// TierTemplate is the store/category scoped tier configuration. Owned
// by catalog admin workflows; read-only to this engine.
type TierTemplate struct {
	ID                     string
	StoreID                string
	Category               string
	Tiers                  []ConversionTier
	BaseUnit               string
	TrackIndividualUnits   bool
	RequireScanOnReceive   bool
	RequireScanOnTransfer  bool
	AllowPartialConversion bool
	Active                 bool
}

// ConversionPlan is the resolved outcome of a tier conversion request.
type ConversionPlan struct {
	From                 ConversionTier
	To                   ConversionTier
	ChildCount           int
	ChildQuantity        float64
	Remainder            float64
	TrackIndividualUnits bool
}

var (
	// ErrTierNotFound indicates no tier matches the id or prefix.
	ErrTierNotFound = fmt.Errorf("tiers: tier %w", shared.ErrNotFound)
	// ErrTemplateNotFound indicates no template for the store/category.
	ErrTemplateNotFound = fmt.Errorf("tiers: template %w", shared.ErrNotFound)
	// ErrConversionNotAllowed indicates the tier edge is not in the catalog.
	ErrConversionNotAllowed = fmt.Errorf("tiers: %w", shared.ErrConversionNotAllowed)
	// ErrInexactSplit indicates a non-integral split with partial conversion disabled.
	ErrInexactSplit = fmt.Errorf("tiers: inexact split: %w", shared.ErrConversionNotAllowed)
)

const qtyEpsilon = 1e-9

// ConvertibleTo reports whether the catalog defines an edge to target.
func (t ConversionTier) ConvertibleTo(targetID string) bool {
	for _, id := range t.CanConvertTo {
		if id == targetID {
			return true
		}
	}
	return false
}

// PlanSplit computes how many target-tier children a source quantity
// produces. The sum of child quantities plus the remainder always
// equals sourceQty.
func PlanSplit(from, to ConversionTier, sourceQty float64, tmpl TierTemplate) (ConversionPlan, error) {
	if !from.ConvertibleTo(to.ID) {
		return ConversionPlan{}, ErrConversionNotAllowed
	}
	if to.Quantity <= 0 || sourceQty <= 0 {
		return ConversionPlan{}, fmt.Errorf("tiers: non-positive quantity: %w", shared.ErrValidation)
	}
	count := int(math.Floor(sourceQty/to.Quantity + qtyEpsilon))
	remainder := sourceQty - float64(count)*to.Quantity
	if math.Abs(remainder) < qtyEpsilon {
		remainder = 0
	}
	if count == 0 {
		return ConversionPlan{}, ErrInexactSplit
	}
	if remainder > 0 && !tmpl.AllowPartialConversion {
		return ConversionPlan{}, ErrInexactSplit
	}
	return ConversionPlan{
		From:                 from,
		To:                   to,
		ChildCount:           count,
		ChildQuantity:        to.Quantity,
		Remainder:            remainder,
		TrackIndividualUnits: tmpl.TrackIndividualUnits,
	}, nil
}
