package keeper

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/0xMgwan/betuaa-sub000/pkg/attestation"
)

// Error types used as metric labels and tracker reasons
const (
	ErrTypeAlreadyResolved   = "already_resolved"
	ErrTypeNotExpired        = "not_expired"
	ErrTypeNetwork           = "network_error"
	ErrTypeRateLimited       = "rate_limited"
	ErrTypeNodeState         = "node_state_error"
	ErrTypeGas               = "gas_error"
	ErrTypeNonce             = "nonce_error"
	ErrTypeInsufficientFunds = "insufficient_funds"
	ErrTypeStalePrice        = "stale_price"
	ErrTypeContract          = "contract_error"
	ErrTypeUnknown           = "unknown_error"
)

// ClassifyError maps a chain or oracle error onto an error type by message,
// the way node errors have to be read. Returns (retryable, errorType).
func ClassifyError(err error) (bool, string) {
	if err == nil {
		return true, ""
	}
	if errors.Is(err, attestation.ErrRateLimited) {
		return true, ErrTypeRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, ErrTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr,
		"already resolved",
		"alreadyresolved",
		"market resolved",
		"market is resolved",
		"not resolvable") {
		return false, ErrTypeAlreadyResolved
	}

	if containsAny(errStr,
		"not expired",
		"notexpired",
		"market not ended",
		"too early") {
		return true, ErrTypeNotExpired
	}

	// the oracle rejects updates older than its validity window
	if containsAny(errStr,
		"staleprice",
		"stale price",
		"price too old",
		"0x19abf40e") {
		return true, ErrTypeStalePrice
	}

	if containsAny(errStr,
		"connection refused",
		"connection reset",
		"timeout",
		"context deadline exceeded",
		"timed out",
		"no response",
		"unexpected eof",
		"too many requests",
		"status 429",
		"status code 429",
		"429 too many") {
		return true, ErrTypeNetwork
	}

	if containsAny(errStr,
		"missing trie node",
		"layer stale",
		"state inconsistency",
		"header not found",
		"block not found") {
		return true, ErrTypeNodeState
	}

	if containsAny(errStr,
		"insufficient funds for gas",
		"insufficient funds",
		"insufficient balance") {
		return false, ErrTypeInsufficientFunds
	}

	if containsAny(errStr,
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced") {
		return true, ErrTypeNonce
	}

	if containsAny(errStr,
		"gas required exceeds allowance",
		"gas price too low",
		"exceeds max gas price",
		"underpriced",
		"fee cap") {
		return true, ErrTypeGas
	}

	if containsAny(errStr,
		"execution reverted",
		"invalid opcode",
		"out of gas",
		"insufficientfee",
		"0x025dbdd4") {
		return true, ErrTypeContract
	}

	return true, ErrTypeUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
