package tiers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packtrace/packtrace/internal/shared"
)

func carton() ConversionTier {
	return ConversionTier{ID: "carton", Quantity: 100, BaseUnit: "g", CanConvertTo: []string{"pack"}}
}

func pack() ConversionTier {
	return ConversionTier{ID: "pack", Quantity: 10, BaseUnit: "g", CanConvertTo: []string{"unit"}}
}

func TestPlanSplitExact(t *testing.T) {
	plan, err := PlanSplit(carton(), pack(), 100, TierTemplate{})
	require.NoError(t, err)
	require.Equal(t, 10, plan.ChildCount)
	require.Equal(t, 10.0, plan.ChildQuantity)
	require.Equal(t, 0.0, plan.Remainder)
}

func TestPlanSplitConservesQuantity(t *testing.T) {
	plan, err := PlanSplit(carton(), pack(), 73, TierTemplate{AllowPartialConversion: true})
	require.NoError(t, err)
	require.Equal(t, 7, plan.ChildCount)
	require.Equal(t, 3.0, plan.Remainder)
	total := float64(plan.ChildCount)*plan.ChildQuantity + plan.Remainder
	require.InDelta(t, 73.0, total, 1e-9)
}

func TestPlanSplitRejectsInexactWithoutPartial(t *testing.T) {
	_, err := PlanSplit(carton(), pack(), 73, TierTemplate{})
	require.ErrorIs(t, err, shared.ErrConversionNotAllowed)
}

func TestPlanSplitRejectsUnknownEdge(t *testing.T) {
	_, err := PlanSplit(pack(), carton(), 100, TierTemplate{})
	require.True(t, errors.Is(err, ErrConversionNotAllowed))
	require.ErrorIs(t, err, shared.ErrConversionNotAllowed)
}

func TestPlanSplitRejectsTooSmallSource(t *testing.T) {
	// Less than one child: nothing sensible to produce.
	_, err := PlanSplit(carton(), pack(), 5, TierTemplate{AllowPartialConversion: true})
	require.ErrorIs(t, err, ErrInexactSplit)
}

func TestPlanSplitFloatBoundary(t *testing.T) {
	// 0.3/0.1 is not exactly 3 in floating point; the epsilon keeps
	// the split exact.
	from := ConversionTier{ID: "jar", Quantity: 0.3, CanConvertTo: []string{"dose"}}
	to := ConversionTier{ID: "dose", Quantity: 0.1}
	plan, err := PlanSplit(from, to, 0.3, TierTemplate{})
	require.NoError(t, err)
	require.Equal(t, 3, plan.ChildCount)
	require.Equal(t, 0.0, plan.Remainder)
}
