package costing

import "math"

// Discrepancy compares the prices two independent call paths produced for the
// same entity.
type Discrepancy struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
	Delta     float64 `json:"delta"`
	Flagged   bool    `json:"flagged"`
}

// epsilon absorbs float noise so a delta of exactly the tolerance passes.
const epsilon = 1e-9

// CrossCheck flags a difference larger than tolerance. Values are never
// averaged; callers report flagged results as integrity issues.
func CrossCheck(primary, secondary, tolerance float64) Discrepancy {
	delta := math.Abs(primary - secondary)
	return Discrepancy{
		Primary:   primary,
		Secondary: secondary,
		Delta:     delta,
		Flagged:   delta > tolerance+epsilon,
	}
}
