package dex

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"rangeKeeper/internal/chain"
)

var testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")

func increaseLiquidityLog(t *testing.T, tokenID uint64, liquidity, amount0, amount1 *big.Int) *types.Log {
	t.Helper()
	parsed, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	data, err := parsed.Events["IncreaseLiquidity"].Inputs.NonIndexed().Pack(liquidity, amount0, amount1)
	if err != nil {
		t.Fatalf("pack IncreaseLiquidity data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{topicIncreaseLiquidity, topicForTokenID(tokenID)},
		Data:   data,
	}
}

func collectLog(t *testing.T, tokenID uint64, amount0, amount1 *big.Int) *types.Log {
	t.Helper()
	parsed, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	data, err := parsed.Events["Collect"].Inputs.NonIndexed().Pack(testWallet, amount0, amount1)
	if err != nil {
		t.Fatalf("pack Collect data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{topicCollect, topicForTokenID(tokenID)},
		Data:   data,
	}
}

func TestTokenIDFromReceipt(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		{Topics: []common.Hash{topicCollect, topicForTokenID(7)}},
		increaseLiquidityLog(t, 42, big.NewInt(1000), big.NewInt(10), big.NewInt(20)),
	}}

	id, ok := TokenIDFromReceipt(receipt)
	if !ok {
		t.Fatal("expected token id in receipt")
	}
	if id != 42 {
		t.Fatalf("token id = %d, want 42", id)
	}
}

func TestTokenIDFromReceiptAbsent(t *testing.T) {
	if _, ok := TokenIDFromReceipt(nil); ok {
		t.Fatal("nil receipt should have no token id")
	}
	receipt := &types.Receipt{Logs: []*types.Log{
		{Topics: []common.Hash{topicCollect, topicForTokenID(7)}},
	}}
	if _, ok := TokenIDFromReceipt(receipt); ok {
		t.Fatal("receipt without IncreaseLiquidity should have no token id")
	}
}

func TestCollectedAmounts(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		collectLog(t, 5, big.NewInt(100), big.NewInt(200)),
		collectLog(t, 9, big.NewInt(0), big.NewInt(350)),
		increaseLiquidityLog(t, 5, big.NewInt(1), big.NewInt(1), big.NewInt(1)),
	}}

	amounts := CollectedAmounts(receipt)
	if len(amounts) != 2 {
		t.Fatalf("got %d collected entries, want 2", len(amounts))
	}
	if got := amounts[5]; got[0].Cmp(big.NewInt(100)) != 0 || got[1].Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("token 5 amounts = %v/%v, want 100/200", got[0], got[1])
	}
	if got := amounts[9]; got[0].Sign() != 0 || got[1].Cmp(big.NewInt(350)) != 0 {
		t.Fatalf("token 9 amounts = %v/%v, want 0/350", got[0], got[1])
	}
}

func newTestPositionManager(t *testing.T) *PositionManager {
	t.Helper()
	// Hardhat's first dev account key; only used to derive an address.
	signer, err := chain.NewSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", big.NewInt(1))
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}
	sender := NewSender(nil, signer, nil, nil, time.Minute, nil)
	return NewPositionManager(nil, sender, common.HexToAddress("0x2222222222222222222222222222222222222222"), nil)
}

func TestCloseCalldataShape(t *testing.T) {
	pm := newTestPositionManager(t)
	items := []CloseItem{
		{TokenID: 1, Liquidity: big.NewInt(5000)},
		{TokenID: 2, Liquidity: big.NewInt(0)},
	}

	calls, err := pm.closeCalldata(items)
	if err != nil {
		t.Fatalf("closeCalldata: %v", err)
	}
	// Token 1 gets decrease/collect/burn, drained token 2 only collect/burn.
	if len(calls) != 5 {
		t.Fatalf("got %d calls, want 5", len(calls))
	}

	parsed, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	wantSelectors := [][]byte{
		parsed.Methods["decreaseLiquidity"].ID,
		parsed.Methods["collect"].ID,
		parsed.Methods["burn"].ID,
		parsed.Methods["collect"].ID,
		parsed.Methods["burn"].ID,
	}
	for i, call := range calls {
		if len(call) < 4 {
			t.Fatalf("call %d too short: %d bytes", i, len(call))
		}
		if !bytes.Equal(call[:4], wantSelectors[i]) {
			t.Fatalf("call %d selector = %x, want %x", i, call[:4], wantSelectors[i])
		}
	}
}

// The tuple structs passed to abi.Pack must line up with the ABI component
// names, so every pack path gets exercised once here.
func TestCalldataPacks(t *testing.T) {
	pm := newTestPositionManager(t)

	parsed, err := PositionManagerABI()
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}

	deadline := big.NewInt(time.Now().Add(time.Hour).Unix())
	mint := struct {
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
		Token0:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Token1:         common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Fee:            big.NewInt(2500),
		TickLower:      big.NewInt(-100),
		TickUpper:      big.NewInt(100),
		Amount0Desired: big.NewInt(1e9),
		Amount1Desired: big.NewInt(1e9),
		Amount0Min:     big.NewInt(0),
		Amount1Min:     big.NewInt(0),
		Recipient:      pm.sender.From(),
		Deadline:       deadline,
	}
	if _, err := parsed.Pack("mint", mint); err != nil {
		t.Fatalf("pack mint: %v", err)
	}

	increase := struct {
		TokenId        *big.Int
		Amount0Desired *big.Int
		Amount1Desired *big.Int
		Amount0Min     *big.Int
		Amount1Min     *big.Int
		Deadline       *big.Int
	}{big.NewInt(1), big.NewInt(10), big.NewInt(10), big.NewInt(0), big.NewInt(0), deadline}
	if _, err := parsed.Pack("increaseLiquidity", increase); err != nil {
		t.Fatalf("pack increaseLiquidity: %v", err)
	}

	routerABI, err := SwapRouterABI()
	if err != nil {
		t.Fatalf("parse router abi: %v", err)
	}
	swap := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           common.HexToAddress("0x3333333333333333333333333333333333333333"),
		TokenOut:          common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Fee:               big.NewInt(2500),
		Recipient:         pm.sender.From(),
		Deadline:          deadline,
		AmountIn:          big.NewInt(1e9),
		AmountOutMinimum:  big.NewInt(0),
		SqrtPriceLimitX96: big.NewInt(0),
	}
	if _, err := routerABI.Pack("exactInputSingle", swap); err != nil {
		t.Fatalf("pack exactInputSingle: %v", err)
	}

	farmABI, err := FarmABI()
	if err != nil {
		t.Fatalf("parse farm abi: %v", err)
	}
	if _, err := farmABI.Pack("withdraw", big.NewInt(1), pm.sender.From()); err != nil {
		t.Fatalf("pack withdraw: %v", err)
	}
}
