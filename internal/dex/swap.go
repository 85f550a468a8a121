package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
)

// Router wraps the swap router's exactInputSingle path, the only swap shape
// the keeper needs: sell a fixed amount of one pool token for the other.
type Router struct {
	sender  *Sender
	address common.Address
	logger  *zap.Logger
}

func NewRouter(sender *Sender, address common.Address, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sender: sender, address: address, logger: logger}
}

// Address returns the router contract address.
func (r *Router) Address() common.Address {
	return r.address
}

// SwapParams describes one exact-input swap through a single pool.
type SwapParams struct {
	TokenIn      common.Address
	TokenOut     common.Address
	Fee          uint32
	AmountIn     *big.Int
	AmountOutMin *big.Int
}

// Swap executes the swap and returns the receipt. AmountOutMin of nil or
// zero disables slippage protection.
func (r *Router) Swap(ctx context.Context, params SwapParams) (*types.Receipt, error) {
	if params.AmountIn == nil || params.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive, got %v", params.AmountIn)
	}
	parsed, err := SwapRouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}

	call := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           params.TokenIn,
		TokenOut:          params.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(params.Fee)),
		Recipient:         r.sender.From(),
		Deadline:          big.NewInt(time.Now().Add(txDeadline).Unix()),
		AmountIn:          params.AmountIn,
		AmountOutMinimum:  orZero(params.AmountOutMin),
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := parsed.Pack("exactInputSingle", call)
	if err != nil {
		return nil, fmt.Errorf("pack exactInputSingle: %w", err)
	}

	receipt, err := r.sender.Send(ctx, chain.GasOpSwap, r.address, data)
	if err != nil {
		return receipt, fmt.Errorf("swap %s -> %s: %w", params.TokenIn.Hex(), params.TokenOut.Hex(), err)
	}
	r.logger.Info("swap executed",
		zap.String("token_in", params.TokenIn.Hex()),
		zap.String("token_out", params.TokenOut.Hex()),
		zap.String("amount_in", params.AmountIn.String()),
		zap.String("tx", receipt.TxHash.Hex()))
	return receipt, nil
}
