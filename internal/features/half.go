package features

import "math"

// ToHalf rounds every value to the nearest IEEE 754 binary16 representable
// number, so reduced-precision devices see the same inputs a float16 tensor
// would hold. Values beyond the float16 range saturate to ±65504.
func (m Mel) ToHalf() Mel {
	out := Mel{Frames: m.Frames, NumMels: m.NumMels, Data: make([]float32, len(m.Data))}
	for i, v := range m.Data {
		out.Data[i] = roundHalf(v)
	}
	return out
}

const maxHalf = 65504

func roundHalf(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return v
	}
	if v > maxHalf {
		return maxHalf
	}
	if v < -maxHalf {
		return -maxHalf
	}
	bits := math.Float32bits(v)
	exp := int((bits>>23)&0xFF) - 127
	if exp < -14 {
		// subnormal half: fixed quantum of 2^-24
		q := float32(math.Ldexp(1, -24))
		return float32(math.Round(float64(v/q))) * q
	}
	// keep 10 mantissa bits, round half to even on the dropped 13
	const drop = 13
	mask := uint32(1)<<drop - 1
	rem := bits & mask
	bits &^= mask
	halfway := uint32(1) << (drop - 1)
	if rem > halfway || (rem == halfway && bits&(1<<drop) != 0) {
		bits += 1 << drop
	}
	return math.Float32frombits(bits)
}
