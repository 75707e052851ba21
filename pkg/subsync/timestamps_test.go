package subsync_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestNormalizePeriod(t *testing.T) {
	const now int64 = 1_700_000_500

	tests := []struct {
		name      string
		start     subsync.RawTimestamp
		end       subsync.RawTimestamp
		annual    bool
		wantStart int64
		wantEnd   int64
	}{
		{
			name:      "valid period kept",
			start:     subsync.Unix(1000),
			end:       subsync.Unix(5000),
			wantStart: 1000,
			wantEnd:   5000,
		},
		{
			name:      "equal bounds monthly",
			start:     subsync.Unix(1000),
			end:       subsync.Unix(1000),
			wantStart: 1000,
			wantEnd:   1000 + 2592000,
		},
		{
			name:      "equal bounds annual",
			start:     subsync.Unix(1000),
			end:       subsync.Unix(1000),
			annual:    true,
			wantStart: 1000,
			wantEnd:   1000 + 31536000,
		},
		{
			name:      "inverted bounds",
			start:     subsync.Unix(9000),
			end:       subsync.Unix(1000),
			wantStart: 9000,
			wantEnd:   9000 + subsync.MonthlyFallback,
		},
		{
			name:      "missing start uses now",
			end:       subsync.Unix(now + 100),
			wantStart: now,
			wantEnd:   now + 100,
		},
		{
			name:      "both missing",
			wantStart: now,
			wantEnd:   now + subsync.MonthlyFallback,
		},
		{
			name:      "missing end before now",
			start:     subsync.Unix(now + 50),
			wantStart: now + 50,
			wantEnd:   now + 50 + subsync.MonthlyFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := subsync.NormalizePeriod(tt.start, tt.end, tt.annual, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
			assert.Greater(t, p.End, p.Start)
		})
	}
}

func TestNormalizePeriod_EndAlwaysAfterStart(t *testing.T) {
	values := []int64{0, 1, 1000, 1_700_000_000, -5, 4_102_444_800}
	for _, s := range values {
		for _, e := range values {
			for _, annual := range []bool{false, true} {
				p, err := subsync.NormalizePeriod(subsync.Unix(s), subsync.Unix(e), annual, 1_700_000_000)
				require.NoError(t, err)
				assert.Greater(t, p.End, p.Start, "start=%d end=%d annual=%v", s, e, annual)
			}
		}
	}
}

func TestNormalizePeriod_Overflow(t *testing.T) {
	_, err := subsync.NormalizePeriod(subsync.Unix(math.MaxInt64), subsync.Unix(0), false, 0)
	assert.ErrorIs(t, err, subsync.ErrMalformedProviderData)
}
