package models

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiToEther converts a wei amount to ether
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// WeiToGwei converts a wei amount to gwei
func WeiToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -9)
}
