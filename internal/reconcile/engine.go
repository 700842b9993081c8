package reconcile

import (
	"math"
	"sort"
)

// Expected wraps the registry-side quantity for one unit.
type Expected struct {
	ProductID string
	Quantity  float64
}

// ComputeVariance merges expected registry state with physical counts
// and flags rows whose absolute variance exceeds the tolerance. Units
// expected but not counted come back as missing; counted codes the
// registry does not know come back as unexpected. Variance is signed
// counted minus expected, so the quantity the count implies is always
// expected plus variance.
func ComputeVariance(expected map[string]Expected, counted map[string]float64, tolerance float64) []VarianceRow {
	lookup := make(map[string]VarianceRow)
	for code, exp := range expected {
		lookup[code] = VarianceRow{QRCode: code, ProductID: exp.ProductID, Expected: exp.Quantity, Missing: true}
	}
	for code, qty := range counted {
		row, known := lookup[code]
		row.QRCode = code
		row.Counted = qty
		row.Missing = false
		row.Unexpected = !known
		lookup[code] = row
	}
	rows := make([]VarianceRow, 0, len(lookup))
	for _, row := range lookup {
		row.Variance = row.Counted - row.Expected
		if row.Expected != 0 {
			row.VariancePct = round2((row.Variance / math.Abs(row.Expected)) * 100)
		}
		row.Flagged = row.Missing || row.Unexpected || math.Abs(row.Variance) > tolerance
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if d := math.Abs(rows[i].Variance) - math.Abs(rows[j].Variance); d != 0 {
			return d > 0
		}
		return rows[i].QRCode < rows[j].QRCode
	})
	return rows
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
