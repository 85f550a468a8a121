package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"
)

// GasOp names the operation class a gas limit is being computed for; each
// class carries its own headroom and estimation-failure fallback.
type GasOp string

const (
	GasOpMint        GasOp = "mint"
	GasOpSwap        GasOp = "swap"
	GasOpMulticall   GasOp = "multicall"
	GasOpNFTTransfer GasOp = "nft_transfer"
	GasOpApprove     GasOp = "approve"
	GasOpDefault     GasOp = "default"
)

// gasBuffers multiplies the node's estimate per operation class. Mints are
// the most estimate-hostile call here, so they get the widest margin.
var gasBuffers = map[GasOp]float64{
	GasOpMint:        1.5,
	GasOpSwap:        1.2,
	GasOpMulticall:   1.3,
	GasOpNFTTransfer: 1.4,
	GasOpApprove:     1.2,
	GasOpDefault:     1.3,
}

// gasFallbacks are used when estimation itself reverts, which happens for
// state-dependent calls simulated against a slightly stale block.
var gasFallbacks = map[GasOp]uint64{
	GasOpMint:        600000,
	GasOpSwap:        300000,
	GasOpMulticall:   800000,
	GasOpNFTTransfer: 250000,
	GasOpApprove:     80000,
	GasOpDefault:     400000,
}

const gasPriceTTL = 15 * time.Second

// GasManager computes gas limits and prices for outgoing transactions.
type GasManager struct {
	client *Client
	logger *zap.Logger

	mu        sync.Mutex
	price     *big.Int
	fetchedAt time.Time
}

func NewGasManager(client *Client, logger *zap.Logger) *GasManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GasManager{client: client, logger: logger}
}

// Limit estimates gas for the call and applies the operation's buffer,
// falling back to a fixed per-operation limit when estimation fails.
func (g *GasManager) Limit(ctx context.Context, op GasOp, msg ethereum.CallMsg) uint64 {
	buffer, ok := gasBuffers[op]
	if !ok {
		buffer = gasBuffers[GasOpDefault]
	}

	estimate, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		fallback, ok := gasFallbacks[op]
		if !ok {
			fallback = gasFallbacks[GasOpDefault]
		}
		g.logger.Warn("gas estimate failed, using fallback",
			zap.String("op", string(op)),
			zap.Uint64("fallback", fallback),
			zap.Error(err))
		return fallback
	}
	return uint64(float64(estimate) * buffer)
}

// Price returns the current gas price, cached briefly.
func (g *GasManager) Price(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.price != nil && time.Since(g.fetchedAt) < gasPriceTTL {
		return new(big.Int).Set(g.price), nil
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	g.price = price
	g.fetchedAt = time.Now()
	return new(big.Int).Set(price), nil
}

// BumpPrice raises a gas price by 20%, for retrying an underpriced
// replacement.
func BumpPrice(price *big.Int) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(120))
	return bumped.Div(bumped, big.NewInt(100))
}
