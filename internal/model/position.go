package model

import "math/big"

// PositionVenue says where a managed position NFT currently sits.
type PositionVenue string

const (
	VenueWallet PositionVenue = "wallet"
	VenueFarm   PositionVenue = "farm"
)

// Position represents one concentrated-liquidity NFT the keeper manages.
type Position struct {
	TokenID   uint64
	TickLower int32
	TickUpper int32
	Liquidity *big.Int
	Venue     PositionVenue
}

// Staked reports whether the NFT is deposited in the farm.
func (p *Position) Staked() bool {
	return p != nil && p.Venue == VenueFarm
}

// HasLiquidity reports whether the position still holds liquidity.
func (p *Position) HasLiquidity() bool {
	return p != nil && p.Liquidity != nil && p.Liquidity.Sign() > 0
}

// SameRange reports whether two tick ranges are identical.
func (p *Position) SameRange(tickLower, tickUpper int32) bool {
	return p != nil && p.TickLower == tickLower && p.TickUpper == tickUpper
}
