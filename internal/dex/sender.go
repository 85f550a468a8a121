package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
)

// Sender builds, signs, and submits contract transactions, then waits for
// their receipts. Nonce conflicts reset the nonce cache and retry once;
// underpriced replacements retry once with a bumped gas price. Anything
// else is returned to the caller: reverts on state-changing calls are never
// retried here.
type Sender struct {
	client         *chain.Client
	signer         *chain.Signer
	gas            *chain.GasManager
	nonces         *chain.NonceCache
	logger         *zap.Logger
	receiptTimeout time.Duration
}

func NewSender(client *chain.Client, signer *chain.Signer, gas *chain.GasManager, nonces *chain.NonceCache, receiptTimeout time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	return &Sender{
		client:         client,
		signer:         signer,
		gas:            gas,
		nonces:         nonces,
		logger:         logger,
		receiptTimeout: receiptTimeout,
	}
}

// From returns the sending account.
func (s *Sender) From() common.Address {
	return s.signer.Address()
}

// Send submits calldata to a contract and waits for the receipt. A receipt
// with a failed status is an error.
func (s *Sender) Send(ctx context.Context, op chain.GasOp, to common.Address, data []byte) (*types.Receipt, error) {
	msg := ethereum.CallMsg{From: s.signer.Address(), To: &to, Data: data}
	gasLimit := s.gas.Limit(ctx, op, msg)

	gasPrice, err := s.gas.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	receipt, err := s.submit(ctx, op, to, data, gasLimit, gasPrice)
	if err == nil {
		return receipt, nil
	}

	switch {
	case chain.IsNonceConflict(err):
		s.logger.Warn("nonce conflict, refetching and retrying",
			zap.String("op", string(op)), zap.Error(err))
		s.nonces.Reset()
		return s.submit(ctx, op, to, data, gasLimit, gasPrice)
	case chain.IsUnderpriced(err):
		bumped := chain.BumpPrice(gasPrice)
		s.logger.Warn("underpriced replacement, retrying with bumped gas price",
			zap.String("op", string(op)),
			zap.String("gas_price", bumped.String()),
			zap.Error(err))
		return s.submit(ctx, op, to, data, gasLimit, bumped)
	default:
		return nil, err
	}
}

func (s *Sender) submit(ctx context.Context, op chain.GasOp, to common.Address, data []byte, gasLimit uint64, gasPrice *big.Int) (*types.Receipt, error) {
	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("next nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := s.signer.SignTx(tx)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}

	s.logger.Info("transaction submitted",
		zap.String("op", string(op)),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	receipt, err := s.client.WaitForReceipt(ctx, signed.Hash(), s.receiptTimeout)
	if err != nil {
		return nil, fmt.Errorf("wait receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}
