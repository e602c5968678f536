// Package util provides decimal rounding helpers shared by venue adapters.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds price to the nearest multiple of tick. A non-positive
// tick leaves the price untouched.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// FloorToLot rounds qty down to the nearest multiple of lot. A non-positive
// lot leaves the quantity untouched.
func FloorToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}

// FloorToLotMinOne rounds qty down to the nearest lot but never below one
// lot. Partial closes use this so a small sell_percentage cannot round a
// close order to nothing.
func FloorToLotMinOne(qty, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return qty
	}
	floored := FloorToLot(qty, lot)
	if floored.IsZero() {
		return lot
	}
	return floored
}
