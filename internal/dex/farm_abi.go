package dex

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// MasterChef-style farm: staked position NFTs are owned by the farm and
// enumerated through its own balanceOf/tokenOfOwnerByIndex views.
const farmABIJSON = `[
  {
    "inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "name": "userPositionInfos",
    "outputs": [
      {"internalType": "uint128", "name": "liquidity", "type": "uint128"},
      {"internalType": "uint128", "name": "boostLiquidity", "type": "uint128"},
      {"internalType": "int24", "name": "tickLower", "type": "int24"},
      {"internalType": "int24", "name": "tickUpper", "type": "int24"},
      {"internalType": "uint256", "name": "rewardGrowthInside", "type": "uint256"},
      {"internalType": "uint256", "name": "reward", "type": "uint256"},
      {"internalType": "address", "name": "user", "type": "address"},
      {"internalType": "uint256", "name": "pid", "type": "uint256"},
      {"internalType": "uint256", "name": "boostMultiplier", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "_tokenId", "type": "uint256"},
      {"internalType": "address", "name": "_to", "type": "address"}
    ],
    "name": "withdraw",
    "outputs": [{"internalType": "uint256", "name": "reward", "type": "uint256"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "uint256", "name": "index", "type": "uint256"}
    ],
    "name": "tokenOfOwnerByIndex",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	farmABI     abi.ABI
	farmABIOnce sync.Once
	farmABIErr  error
)

// FarmABI returns the parsed farm ABI.
func FarmABI() (abi.ABI, error) {
	farmABIOnce.Do(func() {
		farmABI, farmABIErr = abi.JSON(strings.NewReader(farmABIJSON))
	})
	return farmABI, farmABIErr
}
