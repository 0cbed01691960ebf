package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	now := time.Now()
	ts := ToSeconds(now)
	back := FromSeconds(ts)

	// Float seconds keep roughly microsecond precision at current epochs.
	assert.WithinDuration(t, now, back, 10*time.Microsecond)
}

func TestZeroValues(t *testing.T) {
	assert.Equal(t, float64(0), ToSeconds(time.Time{}))
	assert.True(t, FromSeconds(0).IsZero())
	assert.Equal(t, time.Duration(0), Since(0))
	assert.Equal(t, "", Format(0))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  float64
	}{
		{"float64", float64(1700000000.5), 1700000000.5},
		{"int", 1700000000, 1700000000},
		{"int64", int64(1700000000), 1700000000},
		{"numeric string", "1700000000.25", 1700000000.25},
		{"empty string", "", 0},
		{"garbage string", "not-a-time", 0},
		{"nil", nil, 0},
		{"bool", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParseRFC3339(t *testing.T) {
	ts := Parse("2023-11-14T22:13:20Z")
	assert.Equal(t, float64(1700000000), ts)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(0))
	assert.NoError(t, Validate(Now()))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(4e10))
}

func TestSince(t *testing.T) {
	past := ToSeconds(time.Now().Add(-time.Second))
	elapsed := Since(past)
	assert.Greater(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}
