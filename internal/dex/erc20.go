package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
)

// ERC20 gives the keeper balance reads and allowance management for the two
// pool tokens.
type ERC20 struct {
	client *chain.Client
	sender *Sender
	logger *zap.Logger
}

func NewERC20(client *chain.Client, sender *Sender, logger *zap.Logger) *ERC20 {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ERC20{client: client, sender: sender, logger: logger}
}

// BalanceOf reads the wallet balance of a token.
func (e *ERC20) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	parsed, err := erc20ABIStringInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	resp, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf %s: %w", token.Hex(), err)
	}
	values, err := parsed.Unpack("balanceOf", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return asBigInt(values[0])
}

// Allowance reads the spender allowance granted by the wallet.
func (e *ERC20) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	parsed, err := erc20ABIStringInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("allowance", e.sender.From(), spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	resp, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance %s: %w", token.Hex(), err)
	}
	values, err := parsed.Unpack("allowance", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return asBigInt(values[0])
}

// EnsureAllowance approves the spender for an effectively unlimited amount
// when the current allowance is below the required amount. No-op otherwise,
// so repeated rebalances don't burn gas on approvals.
func (e *ERC20) EnsureAllowance(ctx context.Context, token, spender common.Address, required *big.Int) error {
	current, err := e.Allowance(ctx, token, spender)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}

	parsed, err := erc20ABIStringInstance()
	if err != nil {
		return fmt.Errorf("parse erc20 abi: %w", err)
	}
	unlimited := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := parsed.Pack("approve", spender, unlimited)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	receipt, err := e.sender.Send(ctx, chain.GasOpApprove, token, data)
	if err != nil {
		return fmt.Errorf("approve %s for %s: %w", token.Hex(), spender.Hex(), err)
	}
	e.logger.Info("allowance granted",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}
