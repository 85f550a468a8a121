package dex

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topics the keeper cares about when reading receipts back.
var (
	topicIncreaseLiquidity = crypto.Keccak256Hash([]byte("IncreaseLiquidity(uint256,uint128,uint256,uint256)"))
	topicCollect           = crypto.Keccak256Hash([]byte("Collect(uint256,address,uint256,uint256)"))
)

// TokenIDFromReceipt extracts the minted position's token id from the
// IncreaseLiquidity event a successful mint emits. The id is the event's
// first indexed topic.
func TokenIDFromReceipt(receipt *types.Receipt) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != topicIncreaseLiquidity {
			continue
		}
		id := new(big.Int).SetBytes(log.Topics[1].Bytes())
		if !id.IsUint64() {
			continue
		}
		return id.Uint64(), true
	}
	return 0, false
}

// CollectedAmounts sums the amounts the Collect events in a close receipt
// paid out per token id, for fee attribution in the journal.
func CollectedAmounts(receipt *types.Receipt) map[uint64][2]*big.Int {
	out := make(map[uint64][2]*big.Int)
	if receipt == nil {
		return out
	}
	parsed, err := PositionManagerABI()
	if err != nil {
		return out
	}
	event, ok := parsed.Events["Collect"]
	if !ok {
		return out
	}
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != topicCollect {
			continue
		}
		id := new(big.Int).SetBytes(log.Topics[1].Bytes())
		if !id.IsUint64() {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil || len(values) < 3 {
			continue
		}
		amount0, err0 := asBigInt(values[1])
		amount1, err1 := asBigInt(values[2])
		if err0 != nil || err1 != nil {
			continue
		}
		out[id.Uint64()] = [2]*big.Int{amount0, amount1}
	}
	return out
}

// topicForTokenID builds the indexed-topic form of a token id, used in
// tests.
func topicForTokenID(tokenID uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(tokenID))
}
