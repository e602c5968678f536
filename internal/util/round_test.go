package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name  string
		price string
		tick  string
		want  string
	}{
		{"rounds down", "1.2341", "0.01", "1.23"},
		{"rounds up", "1.2351", "0.01", "1.24"},
		{"already aligned", "42.50", "0.25", "42.5"},
		{"coarse tick", "101.3", "0.5", "101.5"},
		{"zero tick passthrough", "1.2345", "0", "1.2345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(d(tt.price), d(tt.tick))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestFloorToLot(t *testing.T) {
	assert.True(t, FloorToLot(d("0.0239"), d("0.001")).Equal(d("0.023")))
	assert.True(t, FloorToLot(d("7"), d("5")).Equal(d("5")))
	assert.True(t, FloorToLot(d("0.9"), d("1")).Equal(d("0")))
}

func TestFloorToLotMinOne(t *testing.T) {
	// A 25% close of 0.020 with lot 0.001 is exactly 0.005.
	assert.True(t, FloorToLotMinOne(d("0.005"), d("0.001")).Equal(d("0.005")))
	// Below one lot never rounds to zero.
	assert.True(t, FloorToLotMinOne(d("0.0004"), d("0.001")).Equal(d("0.001")))
	assert.True(t, FloorToLotMinOne(d("0.9"), d("1")).Equal(d("1")))
}
