package subsync

import (
	"fmt"
	"math"
)

const (
	// MonthlyFallback is the period length assumed when a monthly period is broken.
	MonthlyFallback int64 = 30 * 24 * 60 * 60
	// AnnualFallback is the period length assumed when an annual period is broken.
	AnnualFallback int64 = 365 * 24 * 60 * 60
)

// RawTimestamp is a unix timestamp as delivered by the provider.
// Valid is false when the value was absent, null or not numeric.
type RawTimestamp struct {
	Value int64
	Valid bool
}

// Unix builds a valid RawTimestamp.
func Unix(v int64) RawTimestamp {
	return RawTimestamp{Value: v, Valid: true}
}

// Period is a repaired billing period with End > Start.
type Period struct {
	Start int64
	End   int64
}

// NormalizePeriod repairs a provider billing period so it can be stored.
//
// Missing bounds are replaced with now. If the result is empty or inverted the
// end is pushed one fallback period past the start (365 days for annual plans,
// 30 days otherwise). It fails open: only a period that still cannot satisfy
// End > Start yields ErrMalformedProviderData.
func NormalizePeriod(start, end RawTimestamp, annual bool, now int64) (Period, error) {
	p := Period{Start: now, End: now}
	if start.Valid {
		p.Start = start.Value
	}
	if end.Valid {
		p.End = end.Value
	}

	if p.End <= p.Start {
		fallback := MonthlyFallback
		if annual {
			fallback = AnnualFallback
		}
		if p.Start > math.MaxInt64-fallback {
			return Period{}, fmt.Errorf("%w: period start %d out of range", ErrMalformedProviderData, p.Start)
		}
		p.End = p.Start + fallback
	}

	if p.End <= p.Start {
		return Period{}, fmt.Errorf("%w: period end %d not after start %d", ErrMalformedProviderData, p.End, p.Start)
	}
	return p, nil
}
