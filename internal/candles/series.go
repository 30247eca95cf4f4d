package candles

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/and161185/trade-terminal/internal/model"
)

// series holds one (symbol, timeframe): the open bucket and a ring of closed ones, oldest first.
type series struct {
	symbol string
	tf     model.Timeframe
	secs   int64
	size   int

	cur    *model.Candle
	closed []model.Candle
}

func newSeries(symbol string, tf model.Timeframe, size int) *series {
	return &series{symbol: symbol, tf: tf, secs: tf.Seconds(), size: size}
}

// bucketStart floors ts to the window boundary, also for negative ts.
func bucketStart(ts, secs int64) int64 {
	b := ts / secs
	if ts%secs != 0 && ts < 0 {
		b--
	}
	return b * secs
}

// apply folds a trade into the series. It returns the bucket closed by this trade, if any,
// and false when the trade was too old to place.
func (s *series) apply(price, volume decimal.Decimal, ts int64) (*model.Candle, bool) {
	start := bucketStart(ts, s.secs)

	switch {
	case s.cur == nil:
		s.open(start, price, volume)
		return nil, true
	case start == s.cur.OpenTime:
		extend(s.cur, price, volume)
		s.cur.Close = price
		return nil, true
	case start > s.cur.OpenTime:
		done := *s.cur
		s.push(done)
		s.open(start, price, volume)
		return &done, true
	default:
		return nil, s.amend(start, price, volume)
	}
}

func (s *series) open(start int64, price, volume decimal.Decimal) {
	s.cur = &model.Candle{
		Symbol:    s.symbol,
		Timeframe: s.tf,
		OpenTime:  start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
	}
}

func (s *series) push(c model.Candle) {
	if len(s.closed) == s.size {
		copy(s.closed, s.closed[1:])
		s.closed = s.closed[:len(s.closed)-1]
	}
	s.closed = append(s.closed, c)
}

// amend routes a late trade into a closed bucket still held by the ring.
// Open and close keep their original values; the trade can only widen the range.
func (s *series) amend(start int64, price, volume decimal.Decimal) bool {
	i := sort.Search(len(s.closed), func(i int) bool { return s.closed[i].OpenTime >= start })
	if i == len(s.closed) || s.closed[i].OpenTime != start {
		return false
	}
	extend(&s.closed[i], price, volume)
	return true
}

func extend(c *model.Candle, price, volume decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Volume = c.Volume.Add(volume)
}

// snapshot returns up to limit buckets ascending, the open bucket last.
func (s *series) snapshot(limit int) []model.Candle {
	n := len(s.closed)
	if s.cur != nil {
		n++
	}
	if n > limit {
		n = limit
	}
	out := make([]model.Candle, 0, n)
	want := n
	if s.cur != nil {
		want--
	}
	if want > 0 {
		out = append(out, s.closed[len(s.closed)-want:]...)
	}
	if s.cur != nil && n > 0 {
		out = append(out, *s.cur)
	}
	return out
}
