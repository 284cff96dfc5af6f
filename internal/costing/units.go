package costing

import "strings"

type dimension int

const (
	dimMass dimension = iota + 1
	dimVolume
	dimCount
)

type unitInfo struct {
	dim    dimension
	factor float64
}

// Factors are relative to g, ml and each.
var units = map[string]unitInfo{
	"mg":   {dimMass, 0.001},
	"g":    {dimMass, 1},
	"kg":   {dimMass, 1000},
	"oz":   {dimMass, 28.349523125},
	"lb":   {dimMass, 453.59237},
	"ml":   {dimVolume, 1},
	"cl":   {dimVolume, 10},
	"dl":   {dimVolume, 100},
	"l":    {dimVolume, 1000},
	"tsp":  {dimVolume, 5},
	"tbsp": {dimVolume, 15},
	"each": {dimCount, 1},
	"ea":   {dimCount, 1},
	"pc":   {dimCount, 1},
	"unit": {dimCount, 1},
}

// Convert expresses qty in the target unit. When either unit is blank,
// unknown or of a different dimension the quantity is returned unchanged and
// ok is false, unless the units are identical.
func Convert(qty float64, from, to string) (float64, bool) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if from == to {
		return qty, true
	}
	src, okFrom := units[from]
	dst, okTo := units[to]
	if !okFrom || !okTo || src.dim != dst.dim {
		return qty, false
	}
	return qty * src.factor / dst.factor, true
}
