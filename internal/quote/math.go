package quote

import (
	"math"
	"math/bits"
)

// MaxBps is 100%.
const MaxBps = 10_000

// Threshold is floor(out * (10000 - bps) / 10000), the minimum accepted output of an exact-in swap.
func Threshold(out uint64, bps int) uint64 {
	hi, lo := bits.Mul64(out, uint64(MaxBps-bps))
	q, _ := bits.Div64(hi, lo, MaxBps)
	return q
}

// Bucket rounds n to three significant figures, half up, saturating at math.MaxUint64.
func Bucket(n uint64) uint64 {
	if n < 1000 {
		return n
	}
	p := uint64(1)
	for m := n; m >= 1000; m /= 10 {
		p *= 10
	}
	q, r := n/p, n%p
	if r >= p-p/2 {
		q++
	}
	hi, lo := bits.Mul64(q, p)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// scale returns floor(v * num / den), or false when the result does not fit.
func scale(v, num, den uint64) (uint64, bool) {
	if den == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(v, num)
	if hi >= den {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, true
}
