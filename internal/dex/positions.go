package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
	"rangeKeeper/internal/model"
)

// maxUint128 is the sentinel collect amount: take everything owed.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// txDeadline is the validity window stamped on mint/swap calls.
const txDeadline = 10 * time.Minute

// PositionManager wraps the nonfungible position manager contract.
type PositionManager struct {
	client  *chain.Client
	sender  *Sender
	address common.Address
	logger  *zap.Logger
}

func NewPositionManager(client *chain.Client, sender *Sender, address common.Address, logger *zap.Logger) *PositionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionManager{client: client, sender: sender, address: address, logger: logger}
}

// Address returns the contract address.
func (pm *PositionManager) Address() common.Address {
	return pm.address
}

// MintParams describes one position to create.
type MintParams struct {
	Token0         common.Address
	Token1         common.Address
	Fee            uint32
	TickLower      int32
	TickUpper      int32
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
}

// CloseItem is one position in a batched close.
type CloseItem struct {
	TokenID   uint64
	Liquidity *big.Int
}

// Position reads the on-chain record for a token id. Burned or unknown ids
// map to model.ErrPositionNotFound.
func (pm *PositionManager) Position(ctx context.Context, tokenID uint64) (model.PositionInfo, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("parse position manager abi: %w", err)
	}

	data, err := parsed.Pack("positions", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("pack positions: %w", err)
	}
	resp, err := pm.client.CallContract(ctx, ethereum.CallMsg{To: &pm.address, Data: data}, nil)
	if err != nil {
		// The manager reverts with "Invalid token ID" for burned ids.
		if chain.IsRevert(err) {
			return model.PositionInfo{}, fmt.Errorf("position %d: %w", tokenID, model.ErrPositionNotFound)
		}
		return model.PositionInfo{}, fmt.Errorf("call positions(%d): %w", tokenID, err)
	}

	values, err := parsed.Unpack("positions", resp)
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("unpack positions(%d): %w", tokenID, err)
	}
	if len(values) < 12 {
		return model.PositionInfo{}, fmt.Errorf("positions(%d) returned %d values", tokenID, len(values))
	}

	token0, err := asAddress(values[2])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("token0: %w", err)
	}
	token1, err := asAddress(values[3])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("token1: %w", err)
	}
	fee, err := asBigInt(values[4])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("fee: %w", err)
	}
	tickLowerBig, err := asBigInt(values[5])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("tickLower: %w", err)
	}
	tickLower, err := int24FromBig(tickLowerBig)
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("tickLower: %w", err)
	}
	tickUpperBig, err := asBigInt(values[6])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("tickUpper: %w", err)
	}
	tickUpper, err := int24FromBig(tickUpperBig)
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("tickUpper: %w", err)
	}
	liquidity, err := asBigInt(values[7])
	if err != nil {
		return model.PositionInfo{}, fmt.Errorf("liquidity: %w", err)
	}

	return model.PositionInfo{
		TokenID:   tokenID,
		Token0:    token0.Hex(),
		Token1:    token1.Hex(),
		Fee:       uint32(fee.Uint64()),
		TickLower: tickLower,
		TickUpper: tickUpper,
		Liquidity: liquidity,
		Venue:     model.VenueWallet,
	}, nil
}

// Mint creates a new position and returns its token id, parsed from the
// IncreaseLiquidity event in the receipt.
func (pm *PositionManager) Mint(ctx context.Context, params MintParams) (uint64, *types.Receipt, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return 0, nil, fmt.Errorf("parse position manager abi: %w", err)
	}

	deadline := big.NewInt(time.Now().Add(txDeadline).Unix())
	call := struct {
		Token0         common.Address
		Token1         common.Address
		Fee            *big.Int
		TickLower      *big.Int
		TickUpper      *big.Int
		Amount0Desired *big.Int
		Amount1Desired *big.Int
		Amount0Min     *big.Int
		Amount1Min     *big.Int
		Recipient      common.Address
		Deadline       *big.Int
	}{
		Token0:         params.Token0,
		Token1:         params.Token1,
		Fee:            new(big.Int).SetUint64(uint64(params.Fee)),
		TickLower:      big.NewInt(int64(params.TickLower)),
		TickUpper:      big.NewInt(int64(params.TickUpper)),
		Amount0Desired: params.Amount0Desired,
		Amount1Desired: params.Amount1Desired,
		Amount0Min:     orZero(params.Amount0Min),
		Amount1Min:     orZero(params.Amount1Min),
		Recipient:      pm.sender.From(),
		Deadline:       deadline,
	}

	data, err := parsed.Pack("mint", call)
	if err != nil {
		return 0, nil, fmt.Errorf("pack mint: %w", err)
	}

	receipt, err := pm.sender.Send(ctx, chain.GasOpMint, pm.address, data)
	if err != nil {
		return 0, receipt, fmt.Errorf("mint [%d, %d]: %w", params.TickLower, params.TickUpper, err)
	}

	tokenID, ok := TokenIDFromReceipt(receipt)
	if !ok {
		return 0, receipt, fmt.Errorf("mint receipt %s has no IncreaseLiquidity event", receipt.TxHash.Hex())
	}

	pm.logger.Info("position minted",
		zap.Uint64("token_id", tokenID),
		zap.Int32("tick_lower", params.TickLower),
		zap.Int32("tick_upper", params.TickUpper),
		zap.String("tx", receipt.TxHash.Hex()))
	return tokenID, receipt, nil
}

// IncreaseLiquidity adds amounts to an existing position.
func (pm *PositionManager) IncreaseLiquidity(ctx context.Context, tokenID uint64, amount0, amount1, amount0Min, amount1Min *big.Int) (*types.Receipt, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse position manager abi: %w", err)
	}

	call := struct {
		TokenId        *big.Int
		Amount0Desired *big.Int
		Amount1Desired *big.Int
		Amount0Min     *big.Int
		Amount1Min     *big.Int
		Deadline       *big.Int
	}{
		TokenId:        new(big.Int).SetUint64(tokenID),
		Amount0Desired: amount0,
		Amount1Desired: amount1,
		Amount0Min:     orZero(amount0Min),
		Amount1Min:     orZero(amount1Min),
		Deadline:       big.NewInt(time.Now().Add(txDeadline).Unix()),
	}
	data, err := parsed.Pack("increaseLiquidity", call)
	if err != nil {
		return nil, fmt.Errorf("pack increaseLiquidity: %w", err)
	}

	receipt, err := pm.sender.Send(ctx, chain.GasOpMint, pm.address, data)
	if err != nil {
		return receipt, fmt.Errorf("increase liquidity %d: %w", tokenID, err)
	}
	return receipt, nil
}

// CloseBatch tears down positions in one multicall: per position a
// decreaseLiquidity (when it still holds any), a collect of everything
// owed, and a burn. All positions settle in a single transaction, so
// none is half-closed on failure.
func (pm *PositionManager) CloseBatch(ctx context.Context, items []CloseItem) (*types.Receipt, error) {
	if len(items) == 0 {
		return nil, nil
	}
	calls, err := pm.closeCalldata(items)
	if err != nil {
		return nil, err
	}

	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse position manager abi: %w", err)
	}
	data, err := parsed.Pack("multicall", calls)
	if err != nil {
		return nil, fmt.Errorf("pack multicall: %w", err)
	}

	receipt, err := pm.sender.Send(ctx, chain.GasOpMulticall, pm.address, data)
	if err != nil {
		return receipt, fmt.Errorf("close batch of %d: %w", len(items), err)
	}

	ids := make([]uint64, len(items))
	for i, item := range items {
		ids[i] = item.TokenID
	}
	pm.logger.Info("positions closed",
		zap.Uint64s("token_ids", ids),
		zap.String("tx", receipt.TxHash.Hex()))
	return receipt, nil
}

// closeCalldata builds the per-position decrease/collect/burn calls.
func (pm *PositionManager) closeCalldata(items []CloseItem) ([][]byte, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse position manager abi: %w", err)
	}

	deadline := big.NewInt(time.Now().Add(txDeadline).Unix())
	calls := make([][]byte, 0, len(items)*3)
	for _, item := range items {
		id := new(big.Int).SetUint64(item.TokenID)

		if item.Liquidity != nil && item.Liquidity.Sign() > 0 {
			decrease := struct {
				TokenId    *big.Int
				Liquidity  *big.Int
				Amount0Min *big.Int
				Amount1Min *big.Int
				Deadline   *big.Int
			}{id, item.Liquidity, big.NewInt(0), big.NewInt(0), deadline}
			data, err := parsed.Pack("decreaseLiquidity", decrease)
			if err != nil {
				return nil, fmt.Errorf("pack decreaseLiquidity %d: %w", item.TokenID, err)
			}
			calls = append(calls, data)
		}

		collect := struct {
			TokenId    *big.Int
			Recipient  common.Address
			Amount0Max *big.Int
			Amount1Max *big.Int
		}{id, pm.sender.From(), maxUint128, maxUint128}
		data, err := parsed.Pack("collect", collect)
		if err != nil {
			return nil, fmt.Errorf("pack collect %d: %w", item.TokenID, err)
		}
		calls = append(calls, data)

		data, err = parsed.Pack("burn", id)
		if err != nil {
			return nil, fmt.Errorf("pack burn %d: %w", item.TokenID, err)
		}
		calls = append(calls, data)
	}
	return calls, nil
}

// OwnedTokenIDs enumerates the wallet's position NFTs via the manager's
// enumerable views.
func (pm *PositionManager) OwnedTokenIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	return enumerateTokenIDs(ctx, pm.client, pm.address, owner, PositionManagerABI)
}

// enumerateTokenIDs walks balanceOf/tokenOfOwnerByIndex on any contract
// exposing them.
func enumerateTokenIDs(ctx context.Context, client *chain.Client, contract, owner common.Address, abiFn func() (abi.ABI, error)) ([]uint64, error) {
	parsed, err := abiFn()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	data, err := parsed.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	resp, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	values, err := parsed.Unpack("balanceOf", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	count, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}

	total := count.Uint64()
	ids := make([]uint64, 0, total)
	for i := uint64(0); i < total; i++ {
		data, err := parsed.Pack("tokenOfOwnerByIndex", owner, new(big.Int).SetUint64(i))
		if err != nil {
			return nil, fmt.Errorf("pack tokenOfOwnerByIndex: %w", err)
		}
		resp, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("call tokenOfOwnerByIndex(%d): %w", i, err)
		}
		values, err := parsed.Unpack("tokenOfOwnerByIndex", resp)
		if err != nil {
			return nil, fmt.Errorf("unpack tokenOfOwnerByIndex(%d): %w", i, err)
		}
		id, err := asBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("tokenOfOwnerByIndex(%d): %w", i, err)
		}
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
