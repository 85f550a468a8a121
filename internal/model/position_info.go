package model

import "math/big"

// PositionInfo is the full on-chain record of a position NFT, as read from
// the position manager, including the pool identity fields needed to match
// it against the configured pool.
type PositionInfo struct {
	TokenID   uint64
	Token0    string
	Token1    string
	Fee       uint32
	TickLower int32
	TickUpper int32
	Liquidity *big.Int
	Venue     PositionVenue
}

// Position converts the on-chain record to a managed position.
func (pi PositionInfo) Position() *Position {
	liq := big.NewInt(0)
	if pi.Liquidity != nil {
		liq = new(big.Int).Set(pi.Liquidity)
	}
	return &Position{
		TokenID:   pi.TokenID,
		TickLower: pi.TickLower,
		TickUpper: pi.TickUpper,
		Liquidity: liq,
		Venue:     pi.Venue,
	}
}
