package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0xMgwan/betuaa-sub000/pkg/attestation"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{name: "nil", err: nil, retryable: true, errType: ""},
		{name: "already resolved", err: errors.New("execution reverted: Market already resolved"), retryable: false, errType: ErrTypeAlreadyResolved},
		{name: "already resolved custom error", err: errors.New("execution reverted: AlreadyResolved()"), retryable: false, errType: ErrTypeAlreadyResolved},
		{name: "not expired", err: errors.New("execution reverted: NotExpired"), retryable: true, errType: ErrTypeNotExpired},
		{name: "stale price", err: errors.New("execution reverted: StalePrice"), retryable: true, errType: ErrTypeStalePrice},
		{name: "stale price selector", err: errors.New("execution reverted: custom error 0x19abf40e"), retryable: true, errType: ErrTypeStalePrice},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), retryable: true, errType: ErrTypeNetwork},
		{name: "http 429", err: errors.New("429 Too Many Requests"), retryable: true, errType: ErrTypeNetwork},
		{name: "http status 429", err: errors.New("rpc: status code 429"), retryable: true, errType: ErrTypeNetwork},
		{name: "wrapped eof", err: fmt.Errorf("post rpc: %w", io.EOF), retryable: true, errType: ErrTypeNetwork},
		{name: "unexpected eof", err: errors.New("read: unexpected EOF"), retryable: true, errType: ErrTypeNetwork},
		{name: "revert data holding 429", err: errors.New("execution reverted: custom error 0x4290a1b3"), retryable: true, errType: ErrTypeContract},
		{name: "revert reason holding eof", err: errors.New("execution reverted: ThereofUnset"), retryable: true, errType: ErrTypeContract},
		{name: "unknown data holding 429", err: errors.New("call failed: 0xdead429beef"), retryable: true, errType: ErrTypeUnknown},
		{name: "wrapped deadline", err: fmt.Errorf("estimate: %w", context.DeadlineExceeded), retryable: true, errType: ErrTypeNetwork},
		{name: "rate limited", err: fmt.Errorf("hermes: %w", attestation.ErrRateLimited), retryable: true, errType: ErrTypeRateLimited},
		{name: "node state", err: errors.New("missing trie node 0xabc"), retryable: true, errType: ErrTypeNodeState},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), retryable: false, errType: ErrTypeInsufficientFunds},
		{name: "nonce too low", err: errors.New("nonce too low"), retryable: true, errType: ErrTypeNonce},
		{name: "replacement underpriced", err: errors.New("replacement transaction underpriced"), retryable: true, errType: ErrTypeNonce},
		{name: "underpriced", err: errors.New("transaction underpriced"), retryable: true, errType: ErrTypeGas},
		{name: "gas cap", err: errors.New("gas required exceeds allowance (30000000)"), retryable: true, errType: ErrTypeGas},
		{name: "insufficient fee", err: errors.New("execution reverted: InsufficientFee"), retryable: true, errType: ErrTypeContract},
		{name: "bare revert", err: errors.New("execution reverted"), retryable: true, errType: ErrTypeContract},
		{name: "unknown", err: errors.New("something odd"), retryable: true, errType: ErrTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := ClassifyError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}
