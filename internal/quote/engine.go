// Package quote fetches exact-in swap quotes from the aggregator and caches them briefly.
package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

const (
	// UpstreamTimeout bounds every aggregator call.
	UpstreamTimeout = 5 * time.Second
	// MaxValidity caps valid_until - issued_at.
	MaxValidity = 10 * time.Second
	// CacheFor caps how long a quote is reused.
	CacheFor = 3 * time.Second
	// DefaultSlippageBps applies when the caller gives none.
	DefaultSlippageBps = 50
)

type key struct {
	in, out string
	bucket  uint64
	bps     int
}

func (k key) String() string {
	return k.in + "|" + k.out + "|" + strconv.FormatUint(k.bucket, 10) + "|" + strconv.Itoa(k.bps)
}

type entry struct {
	q       model.Quote
	expires time.Time
}

// Engine serves quotes.
type Engine struct {
	base    string
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration

	mu    sync.Mutex
	cache map[key]entry
	sf    singleflight.Group
}

// NewEngine builds an engine for the aggregator at base.
func NewEngine(base string, hc *http.Client, log *zap.Logger) *Engine {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Engine{
		base:    strings.TrimRight(base, "/"),
		http:    hc,
		log:     log.Named("quote"),
		now:     time.Now,
		timeout: UpstreamTimeout,
		cache:   make(map[key]entry),
	}
}

// BaseURL returns the aggregator base URL.
func (e *Engine) BaseURL() string { return e.base }

// Client returns the HTTP client used for the aggregator.
func (e *Engine) Client() *http.Client { return e.http }

func validate(in, out string, amount uint64, bps int) error {
	switch {
	case bps < 1 || bps > MaxBps:
		return fmt.Errorf("%w: slippage_bps must be within [1, %d]", errs.ErrInvalidInput, MaxBps)
	case in == "" || out == "":
		return fmt.Errorf("%w: input and output mints are required", errs.ErrInvalidInput)
	case in == out:
		return fmt.Errorf("%w: input and output mints must differ", errs.ErrInvalidInput)
	case amount == 0:
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidInput)
	}
	return nil
}

// Quote returns a quote for amount, reusing a cached quote from the same amount bucket.
// A reused quote is rescaled to amount and carries no raw aggregator document.
func (e *Engine) Quote(ctx context.Context, in, out string, amount uint64, bps int) (model.Quote, error) {
	if err := validate(in, out, amount, bps); err != nil {
		return model.Quote{}, err
	}
	k := key{in: in, out: out, bucket: Bucket(amount), bps: bps}

	e.mu.Lock()
	ent, ok := e.cache[k]
	if ok && !e.now().Before(ent.expires) {
		delete(e.cache, k)
		ok = false
	}
	e.mu.Unlock()
	if ok {
		if q, fits := rescale(ent.q, amount); fits {
			return q, nil
		}
	}

	v, err, _ := e.sf.Do(k.String()+"|"+strconv.FormatUint(amount, 10), func() (any, error) {
		return e.fetch(ctx, k, amount)
	})
	if err != nil {
		return model.Quote{}, err
	}
	return v.(model.Quote), nil
}

// Exact always asks the aggregator, so the result carries the raw document needed to build a transaction.
func (e *Engine) Exact(ctx context.Context, in, out string, amount uint64, bps int) (model.Quote, error) {
	if err := validate(in, out, amount, bps); err != nil {
		return model.Quote{}, err
	}
	return e.fetch(ctx, key{in: in, out: out, bucket: Bucket(amount), bps: bps}, amount)
}

func rescale(q model.Quote, amount uint64) (model.Quote, bool) {
	if q.InAmount == amount {
		return q, true
	}
	out, ok := scale(q.OutAmount, amount, q.InAmount)
	if !ok {
		return model.Quote{}, false
	}
	q.InAmount = amount
	q.OutAmount = out
	q.OtherAmountThreshold = Threshold(out, q.SlippageBps)
	q.RoutePlan = nil
	q.Raw = nil
	return q, true
}

type upstreamQuote struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []upstreamRoute `json:"routePlan"`
}

type upstreamRoute struct {
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
	} `json:"swapInfo"`
	Percent int `json:"percent"`
}

func (e *Engine) fetch(ctx context.Context, k key, amount uint64) (model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("inputMint", k.in)
	q.Set("outputMint", k.out)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(k.bps))
	q.Set("swapMode", "ExactIn")
	q.Set("asLegacyTransaction", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/quote?"+q.Encode(), nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	issued := e.now()
	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Quote{}, fmt.Errorf("%w: aggregator timed out", errs.ErrUpstream)
		}
		return model.Quote{}, fmt.Errorf("%w: aggregator: %v", errs.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: aggregator: %v", errs.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		e.log.Warn("aggregator rejected quote", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(raw, 256)))
		if resp.StatusCode == http.StatusBadRequest {
			return model.Quote{}, fmt.Errorf("%w: no route for this pair and amount", errs.ErrInvalidInput)
		}
		return model.Quote{}, fmt.Errorf("%w: aggregator status %d", errs.ErrUpstream, resp.StatusCode)
	}

	var u upstreamQuote
	if err := json.Unmarshal(raw, &u); err != nil {
		return model.Quote{}, fmt.Errorf("%w: decode quote: %v", errs.ErrUpstream, err)
	}
	quote, err := u.normalize(k.bps, issued)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", errs.ErrUpstream, err)
	}
	if quote.InputMint != k.in || quote.OutputMint != k.out || quote.InAmount != amount {
		return model.Quote{}, fmt.Errorf("%w: quote does not match request", errs.ErrUpstream)
	}
	quote.Raw = raw

	e.mu.Lock()
	e.cache[k] = entry{q: quote, expires: cacheExpiry(quote)}
	e.mu.Unlock()
	return quote, nil
}

// cacheExpiry is min(valid_until, issued_at + CacheFor).
func cacheExpiry(q model.Quote) time.Time {
	limit := q.IssuedAt.Add(CacheFor)
	if q.ValidUntil.Before(limit) {
		return q.ValidUntil
	}
	return limit
}

// normalize converts the aggregator's document. The threshold is recomputed from
// out_amount so it always equals floor(out * (1 - bps/10000)).
func (u upstreamQuote) normalize(bps int, issued time.Time) (model.Quote, error) {
	if u.SwapMode != "" && u.SwapMode != "ExactIn" {
		return model.Quote{}, fmt.Errorf("unexpected swap mode %q", u.SwapMode)
	}
	in, err := strconv.ParseUint(u.InAmount, 10, 64)
	if err != nil {
		return model.Quote{}, fmt.Errorf("inAmount %q: %w", u.InAmount, err)
	}
	out, err := strconv.ParseUint(u.OutAmount, 10, 64)
	if err != nil {
		return model.Quote{}, fmt.Errorf("outAmount %q: %w", u.OutAmount, err)
	}
	impact := decimal.Zero
	if u.PriceImpactPct != "" {
		if impact, err = decimal.NewFromString(u.PriceImpactPct); err != nil {
			return model.Quote{}, fmt.Errorf("priceImpactPct %q: %w", u.PriceImpactPct, err)
		}
	}

	plan := make([]model.RouteStep, 0, len(u.RoutePlan))
	for _, r := range u.RoutePlan {
		ri, _ := strconv.ParseUint(r.SwapInfo.InAmount, 10, 64)
		ro, _ := strconv.ParseUint(r.SwapInfo.OutAmount, 10, 64)
		plan = append(plan, model.RouteStep{
			AmmKey:     r.SwapInfo.AmmKey,
			Label:      r.SwapInfo.Label,
			InputMint:  r.SwapInfo.InputMint,
			OutputMint: r.SwapInfo.OutputMint,
			InAmount:   ri,
			OutAmount:  ro,
			Percent:    r.Percent,
		})
	}

	return model.Quote{
		InputMint:            u.InputMint,
		OutputMint:           u.OutputMint,
		InAmount:             in,
		OutAmount:            out,
		OtherAmountThreshold: Threshold(out, bps),
		SlippageBps:          bps,
		PriceImpactPct:       impact,
		RoutePlan:            plan,
		IssuedAt:             issued.UTC(),
		ValidUntil:           issued.Add(MaxValidity).UTC(),
	}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
