package dispatch

// Token estimates per unit category. Deliberately conservative; unknown
// categories fall back to DefaultEstimateTokens.
var categoryTokens = map[string]int{
	"web":      300,
	"desktop":  250,
	"files":    100,
	"ocr":      200,
	"secrets":  50,
	"schedule": 50,
	"budget":   50,
	"finance":  400,
	"docs":     150,
}

// DefaultEstimateTokens is the fallback for categories not in the table.
const DefaultEstimateTokens = 300

// EstimateTokens returns the token estimate for a unit's declared category.
func EstimateTokens(u Unit) int {
	if n, ok := categoryTokens[u.Category]; ok {
		return n
	}
	return DefaultEstimateTokens
}

// EstimateUnits sums the estimates of a batch.
func EstimateUnits(units []Unit) int {
	total := 0
	for i := range units {
		total += EstimateTokens(units[i])
	}
	return total
}

// Downscope cuts a batch to fit under tokenCap by a running-total walk in
// order. At least one unit is always retained so a plan never becomes empty.
func Downscope(units []Unit, tokenCap int) []Unit {
	if len(units) == 0 {
		return nil
	}
	out := make([]Unit, 0, len(units))
	running := 0
	for i := range units {
		est := EstimateTokens(units[i])
		if running+est > tokenCap {
			break
		}
		out = append(out, units[i])
		running += est
	}
	if len(out) == 0 {
		out = append(out, units[0])
	}
	return out
}
