package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyPeriod(t *testing.T) {
	tests := []struct {
		name string
		freq Frequency
		want time.Duration
	}{
		{"5 per second", Frequency{5, Second}, 200 * time.Millisecond},
		{"1 hz", Hz(1), time.Second},
		{"30 per minute", Frequency{30, Minute}, 2 * time.Second},
		{"1 per millisecond", Frequency{1, Millisecond}, time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.freq.Period()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrequencyPeriod_Invalid(t *testing.T) {
	for _, f := range []Frequency{
		{0, Second},
		{-3, Second},
		{5, "hour"},
		{2_000_000, Millisecond},
	} {
		_, err := f.Period()
		assert.ErrorIs(t, err, ErrInvalidFrequency, f.String())
	}
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in   string
		want Frequency
	}{
		{"5/second", Frequency{5, Second}},
		{"5/s", Frequency{5, Second}},
		{" 30 / min ", Frequency{30, Minute}},
		{"2/ms", Frequency{2, Millisecond}},
		{"10Hz", Hz(10)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrequency(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "fast", "0/second", "five/second", "5/fortnight", "0hz", "-1hz"} {
		_, err := ParseFrequency(bad)
		assert.ErrorIs(t, err, ErrInvalidFrequency, bad)
	}
}

func TestFrequencyString(t *testing.T) {
	assert.Equal(t, "5/second", Frequency{5, Second}.String())
}
