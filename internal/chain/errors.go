package chain

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error classification for submission failures. Node implementations word
// these differently, so matching is substring-based on the common phrasings.

// IsNonceConflict reports a stale-nonce rejection; the cached nonce must be
// dropped and re-fetched before retrying.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "invalid nonce") ||
		strings.Contains(msg, "already known")
}

// IsUnderpriced reports a replacement-underpriced rejection; a retry needs
// a higher gas price.
func IsUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "transaction underpriced")
}

// IsTransient reports an error worth retrying with backoff: network-level
// failures and RPC availability problems, not contract reverts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"eof",
		"too many requests",
		"request timed out",
		"service unavailable",
		"502",
		"503",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsRevert reports an execution revert, which must never be blindly
// retried.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "always failing transaction")
}
