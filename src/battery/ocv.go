package battery

import (
	"fmt"
	"slices"
)

// OCVMapping converts a load-compensated (open-circuit) voltage to a state of charge.
// 1.0 is a full battery.
type OCVMapping func(voltage float64) float64

// PlaceholderOCV ignores the voltage and always reports half charge.
// It stands in until a measured OCV table is configured.
func PlaceholderOCV(voltage float64) float64 {
	return voltage*0 + 0.5
}

// OCVPoint is a single entry of an OCV table
type OCVPoint struct {
	Voltage       float64
	StateOfCharge float64
}

// NewOCVTable builds a piecewise-linear OCV mapping from points with strictly increasing voltages.
// Voltages outside the table map to the SoC of the nearest end point.
func NewOCVTable(points []OCVPoint) (OCVMapping, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: OCV table needs at least 2 points, got %d", ErrInvalidArgument, len(points))
	}

	table := slices.Clone(points)
	for i := 1; i < len(table); i++ {
		if table[i].Voltage <= table[i-1].Voltage {
			return nil, fmt.Errorf("%w: OCV table voltages must be strictly increasing (%.3fV after %.3fV)",
				ErrInvalidArgument, table[i].Voltage, table[i-1].Voltage)
		}
	}

	return func(voltage float64) float64 {
		first, last := table[0], table[len(table)-1]
		if voltage <= first.Voltage {
			return first.StateOfCharge
		}
		if voltage >= last.Voltage {
			return last.StateOfCharge
		}

		// First point at or above the voltage, always in 1..len-1 here
		i, _ := slices.BinarySearchFunc(table, voltage, func(p OCVPoint, v float64) int {
			switch {
			case p.Voltage < v:
				return -1
			case p.Voltage > v:
				return 1
			}
			return 0
		})
		if table[i].Voltage == voltage {
			return table[i].StateOfCharge
		}

		lo, hi := table[i-1], table[i]
		frac := (voltage - lo.Voltage) / (hi.Voltage - lo.Voltage)
		return lo.StateOfCharge + (hi.StateOfCharge-lo.StateOfCharge)*frac
	}, nil
}
