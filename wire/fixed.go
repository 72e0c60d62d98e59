package wire

import (
	"fmt"
	"math"
)

const fixedShift = 16

// Fixed is an unsigned 16.16 fixed-point number. Plane source
// coordinates are expressed in this format.
type Fixed uint32

// FixedInt converts a whole number of pixels.
func FixedInt(v int) Fixed {
	return Fixed(uint32(v) << fixedShift)
}

// FixedFloat converts v, truncating any precision beyond 1/65536.
// Negative values are not representable and become zero.
func FixedFloat(v float64) Fixed {
	if v <= 0 {
		return 0
	}
	return Fixed(math.Floor(v * (1 << fixedShift)))
}

// Int returns the whole-pixel part of f.
func (f Fixed) Int() int {
	return int(f >> fixedShift)
}

// Frac returns the fractional part of f in units of 1/65536.
func (f Fixed) Frac() int {
	return int(f & (1<<fixedShift - 1))
}

func (f Fixed) Float() float64 {
	return float64(f) / (1 << fixedShift)
}

func (f Fixed) String() string {
	if f.Frac() == 0 {
		return fmt.Sprint(f.Int())
	}
	return fmt.Sprintf("%v+%v/65536", f.Int(), f.Frac())
}
