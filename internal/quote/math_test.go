package quote

import (
	"math"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreshold_MatchesExactArithmetic(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 995, Threshold(1000, 50))
	require.EqualValues(t, 0, Threshold(1000, MaxBps))
	require.EqualValues(t, 99, Threshold(100, 1))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		out := rng.Uint64()
		bps := 1 + rng.Intn(MaxBps)
		want := new(big.Int).Mul(new(big.Int).SetUint64(out), big.NewInt(int64(MaxBps-bps)))
		want.Quo(want, big.NewInt(MaxBps))
		require.Equal(t, want.Uint64(), Threshold(out, bps), "out=%d bps=%d", out, bps)
	}
}

func TestBucket(t *testing.T) {
	t.Parallel()

	tests := map[uint64]uint64{
		0:              0,
		999:            999,
		1000:           1000,
		1234:           1230,
		1235:           1240,
		99_949:         99_900,
		99_950:         100_000,
		1_000_000_000:  1_000_000_000,
		123_456_789:    123_000_000,
		math.MaxUint64: 18_400_000_000_000_000_000,
	}
	for in, want := range tests {
		require.Equal(t, want, Bucket(in), "bucket(%d)", in)
	}
}

func TestBucket_NearMaxMatchesExactArithmetic(t *testing.T) {
	t.Parallel()

	exact := func(n uint64) *big.Int {
		v := new(big.Int).SetUint64(n)
		if n < 1000 {
			return v
		}
		p := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(v.String())-3)), nil)
		q, r := new(big.Int).QuoRem(v, p, new(big.Int))
		if new(big.Int).Mul(r, big.NewInt(2)).Cmp(p) >= 0 {
			q.Add(q, big.NewInt(1))
		}
		return q.Mul(q, p)
	}

	inputs := []uint64{
		math.MaxUint64, math.MaxUint64 - 1,
		18_399_999_999_999_999_999, 18_350_000_000_000_000_000,
		9_995_000_000_000_000_000, 9_999_999_999_999_999_999,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		inputs = append(inputs, math.MaxUint64-rng.Uint64()%(1<<62))
	}
	for _, in := range inputs {
		want := exact(in)
		got := Bucket(in)
		if want.IsUint64() {
			require.Equal(t, want.Uint64(), got, "bucket(%d)", in)
		} else {
			require.Equal(t, uint64(math.MaxUint64), got, "bucket(%d)", in)
		}
		require.GreaterOrEqual(t, got, in/10*9, "bucket(%d) wrapped", in)
	}
}

func TestScale(t *testing.T) {
	t.Parallel()

	v, ok := scale(1000, 3, 2)
	require.True(t, ok)
	require.EqualValues(t, 1500, v)

	_, ok = scale(math.MaxUint64, 2, 1)
	require.False(t, ok)
	_, ok = scale(1, 1, 0)
	require.False(t, ok)
}
