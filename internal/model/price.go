package model

import "github.com/shopspring/decimal"

// Price is one pool price observation expressed three equivalent ways:
// quote-per-base human price, pool-native raw price, and the tick at or
// below the raw price.
type Price struct {
	Human decimal.Decimal
	Raw   decimal.Decimal
	Tick  int32
}
