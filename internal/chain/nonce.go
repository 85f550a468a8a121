package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// nonceTTL bounds how long a fetched pending nonce is trusted before being
// re-read from the node.
const nonceTTL = 10 * time.Second

// NonceCache hands out sequential nonces for one account, refreshing from
// the node's pending count when its cache goes stale or is reset after a
// conflict.
type NonceCache struct {
	client  *Client
	account common.Address

	mu        sync.Mutex
	next      uint64
	fetchedAt time.Time
	valid     bool
}

func NewNonceCache(client *Client, account common.Address) *NonceCache {
	return &NonceCache{client: client, account: account}
}

// Next returns the nonce to use for the next transaction and advances the
// cache.
func (n *NonceCache) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.valid || time.Since(n.fetchedAt) > nonceTTL {
		pending, err := n.client.PendingNonceAt(ctx, n.account)
		if err != nil {
			return 0, err
		}
		// The node may know about transactions we lost track of.
		if !n.valid || pending > n.next {
			n.next = pending
		}
		n.fetchedAt = time.Now()
		n.valid = true
	}

	nonce := n.next
	n.next++
	return nonce, nil
}

// Reset drops the cached nonce so the next call re-reads it from the node.
// Called after a nonce-conflict rejection.
func (n *NonceCache) Reset() {
	n.mu.Lock()
	n.valid = false
	n.mu.Unlock()
}
