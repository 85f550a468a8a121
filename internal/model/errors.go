package model

import "errors"

// ErrPositionNotFound reports a position id that no longer resolves
// on-chain, typically because the NFT was burned.
var ErrPositionNotFound = errors.New("position not found")
