package client

import (
	"sync"

	"github.com/levelup-chat/levelup/internal/models"
)

// TokenCache is the client's best-effort copy of the server's token
// account. It is only ever overwritten with authoritative values from
// status, completion, and error events — never decremented locally.
type TokenCache struct {
	mu      sync.Mutex
	balance models.TokenBalance
	known   bool
}

// NewTokenCache returns a cache seeded with a cost-per-message hint.
// The balance itself stays unknown until the server reports it.
func NewTokenCache(costPerMessage int) *TokenCache {
	return &TokenCache{
		balance: models.TokenBalance{CostPerMessage: costPerMessage},
	}
}

// Get returns the cached balance and whether the token count is known.
func (c *TokenCache) Get() (models.TokenBalance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.known
}

// SetTokens overwrites the cached token count.
func (c *TokenCache) SetTokens(current int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance.CurrentTokens = current
	c.known = true
}

// SetCost overwrites the cached cost per message.
func (c *TokenCache) SetCost(cost int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance.CostPerMessage = cost
}
