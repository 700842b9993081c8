package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeVarianceMatchedRows(t *testing.T) {
	expected := map[string]Expected{
		"CTN-1": {ProductID: "prod-1", Quantity: 100},
		"CTN-2": {ProductID: "prod-1", Quantity: 100},
	}
	counted := map[string]float64{
		"CTN-1": 100,
		"CTN-2": 97,
	}

	rows := ComputeVariance(expected, counted, 0)
	require.Len(t, rows, 2)

	// Largest absolute variance first.
	require.Equal(t, "CTN-2", rows[0].QRCode)
	require.Equal(t, -3.0, rows[0].Variance)
	require.Equal(t, -3.0, rows[0].VariancePct)
	require.True(t, rows[0].Flagged)

	require.Equal(t, "CTN-1", rows[1].QRCode)
	require.Equal(t, 0.0, rows[1].Variance)
	require.False(t, rows[1].Flagged)
	require.False(t, rows[1].Missing)
	require.False(t, rows[1].Unexpected)
}

func TestComputeVarianceMissingUnit(t *testing.T) {
	expected := map[string]Expected{
		"CTN-1": {ProductID: "prod-1", Quantity: 50},
	}

	rows := ComputeVariance(expected, map[string]float64{}, 10)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Missing)
	require.False(t, rows[0].Unexpected)
	require.Equal(t, -50.0, rows[0].Variance)
	require.True(t, rows[0].Flagged, "missing units are flagged regardless of tolerance")
}

func TestComputeVarianceUnexpectedUnit(t *testing.T) {
	counted := map[string]float64{
		"CTN-9": 25,
	}

	rows := ComputeVariance(map[string]Expected{}, counted, 100)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Unexpected)
	require.False(t, rows[0].Missing)
	require.Equal(t, 25.0, rows[0].Variance)
	require.Equal(t, 0.0, rows[0].Expected)
	require.True(t, rows[0].Flagged, "unexpected units are flagged regardless of tolerance")
}

func TestComputeVarianceTolerance(t *testing.T) {
	expected := map[string]Expected{
		"CTN-1": {ProductID: "prod-1", Quantity: 100},
		"CTN-2": {ProductID: "prod-1", Quantity: 100},
	}
	counted := map[string]float64{
		"CTN-1": 98,
		"CTN-2": 95,
	}

	rows := ComputeVariance(expected, counted, 2)
	require.Len(t, rows, 2)
	require.Equal(t, "CTN-2", rows[0].QRCode)
	require.True(t, rows[0].Flagged)
	require.Equal(t, "CTN-1", rows[1].QRCode)
	require.False(t, rows[1].Flagged, "variance within tolerance stays unflagged")
}

func TestComputeVarianceSignedOverage(t *testing.T) {
	expected := map[string]Expected{
		"CTN-1": {ProductID: "prod-1", Quantity: 40},
	}
	counted := map[string]float64{
		"CTN-1": 44,
	}

	rows := ComputeVariance(expected, counted, 0)
	require.Equal(t, 4.0, rows[0].Variance)
	require.Equal(t, 10.0, rows[0].VariancePct)
	require.Equal(t, rows[0].Expected+rows[0].Variance, rows[0].Counted)
}

func TestComputeVarianceSortTiebreak(t *testing.T) {
	expected := map[string]Expected{
		"CTN-B": {ProductID: "prod-1", Quantity: 10},
		"CTN-A": {ProductID: "prod-1", Quantity: 10},
	}
	counted := map[string]float64{
		"CTN-B": 5,
		"CTN-A": 15,
	}

	rows := ComputeVariance(expected, counted, 0)
	require.Equal(t, "CTN-A", rows[0].QRCode)
	require.Equal(t, "CTN-B", rows[1].QRCode)
}

func TestComputeVarianceEmpty(t *testing.T) {
	rows := ComputeVariance(map[string]Expected{}, map[string]float64{}, 0)
	require.Empty(t, rows)
}
