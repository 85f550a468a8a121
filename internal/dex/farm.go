package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
	"rangeKeeper/internal/model"
)

// Farm wraps the MasterChef-style staking contract. Position NFTs are
// staked by transferring them to the farm and unstaked via withdraw, which
// also pays out accrued rewards.
type Farm struct {
	client    *chain.Client
	sender    *Sender
	address   common.Address
	positions *PositionManager
	logger    *zap.Logger
}

func NewFarm(client *chain.Client, sender *Sender, address common.Address, positions *PositionManager, logger *zap.Logger) *Farm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Farm{client: client, sender: sender, address: address, positions: positions, logger: logger}
}

// Configured reports whether a farm address is set; staking is optional.
func (f *Farm) Configured() bool {
	return f != nil && f.address != (common.Address{})
}

// StakedLiquidity returns the liquidity the farm has on record for a token
// id, zero when the position is not staked by the keeper's account.
func (f *Farm) StakedLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error) {
	if !f.Configured() {
		return big.NewInt(0), nil
	}
	parsed, err := FarmABI()
	if err != nil {
		return nil, fmt.Errorf("parse farm abi: %w", err)
	}

	data, err := parsed.Pack("userPositionInfos", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, fmt.Errorf("pack userPositionInfos: %w", err)
	}
	resp, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call userPositionInfos(%d): %w", tokenID, err)
	}
	values, err := parsed.Unpack("userPositionInfos", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack userPositionInfos(%d): %w", tokenID, err)
	}
	if len(values) < 7 {
		return nil, fmt.Errorf("userPositionInfos(%d) returned %d values", tokenID, len(values))
	}

	user, err := asAddress(values[6])
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	if user != f.sender.From() {
		return big.NewInt(0), nil
	}
	liquidity, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	return liquidity, nil
}

// Stake deposits a position NFT by safe-transferring it to the farm.
func (f *Farm) Stake(ctx context.Context, tokenID uint64) error {
	if !f.Configured() {
		return nil
	}
	parsed, err := PositionManagerABI()
	if err != nil {
		return fmt.Errorf("parse position manager abi: %w", err)
	}
	data, err := parsed.Pack("safeTransferFrom", f.sender.From(), f.address, new(big.Int).SetUint64(tokenID))
	if err != nil {
		return fmt.Errorf("pack safeTransferFrom: %w", err)
	}

	receipt, err := f.sender.Send(ctx, chain.GasOpNFTTransfer, f.positions.Address(), data)
	if err != nil {
		return fmt.Errorf("stake %d: %w", tokenID, err)
	}
	f.logger.Info("position staked",
		zap.Uint64("token_id", tokenID),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}

// Unstake withdraws a position NFT back to the wallet.
func (f *Farm) Unstake(ctx context.Context, tokenID uint64) error {
	if !f.Configured() {
		return nil
	}
	parsed, err := FarmABI()
	if err != nil {
		return fmt.Errorf("parse farm abi: %w", err)
	}
	data, err := parsed.Pack("withdraw", new(big.Int).SetUint64(tokenID), f.sender.From())
	if err != nil {
		return fmt.Errorf("pack withdraw: %w", err)
	}

	receipt, err := f.sender.Send(ctx, chain.GasOpNFTTransfer, f.address, data)
	if err != nil {
		return fmt.Errorf("unstake %d: %w", tokenID, err)
	}
	f.logger.Info("position unstaked",
		zap.Uint64("token_id", tokenID),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}

// OwnedTokenIDs enumerates the position NFTs the keeper has staked in the
// farm.
func (f *Farm) OwnedTokenIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	if !f.Configured() {
		return nil, nil
	}
	return enumerateTokenIDs(ctx, f.client, f.address, owner, FarmABI)
}

// PositionInfos resolves staked token ids to full position records, marking
// them as farm-held.
func (f *Farm) PositionInfos(ctx context.Context, owner common.Address) ([]model.PositionInfo, error) {
	ids, err := f.OwnedTokenIDs(ctx, owner)
	if err != nil {
		return nil, err
	}
	infos := make([]model.PositionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := f.positions.Position(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("staked position %d: %w", id, err)
		}
		info.Venue = model.VenueFarm
		// The manager zeroes its liquidity view for staked ids on some
		// deployments; trust the farm's own accounting then.
		if info.Liquidity == nil || info.Liquidity.Sign() == 0 {
			staked, err := f.StakedLiquidity(ctx, id)
			if err != nil {
				return nil, err
			}
			info.Liquidity = staked
		}
		infos = append(infos, info)
	}
	return infos, nil
}
