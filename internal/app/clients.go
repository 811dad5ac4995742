package app

import (
	"sync"

	"groupcast/internal/model"
	"groupcast/internal/provider"
	"groupcast/internal/provider/telegram"
	"groupcast/pkg/logx"
)

// clientCache hands out one provider client per bot token. Telegram clients
// are cheap but carry a local send-rate pacer, so sharing per token keeps the
// pacing coherent across workers in this process.
type clientCache struct {
	mu      sync.Mutex
	rate    float64
	log     logx.Logger
	clients map[string]provider.Client
}

func newClientCache(sendRatePerSec float64, log logx.Logger) *clientCache {
	return &clientCache{rate: sendRatePerSec, log: log, clients: map[string]provider.Client{}}
}

// Apply sets the pacer rate for clients created from now on. Existing
// clients keep their rate until the token next misses the cache.
func (c *clientCache) Apply(sendRatePerSec float64) {
	c.mu.Lock()
	if c.rate != sendRatePerSec {
		c.rate = sendRatePerSec
		c.clients = map[string]provider.Client{}
	}
	c.mu.Unlock()
}

func (c *clientCache) For(conn *model.Connection) (provider.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[conn.Token]; ok {
		return cl, nil
	}
	cl, err := telegram.New(telegram.Config{Token: conn.Token, SendRatePerSec: c.rate}, c.log)
	if err != nil {
		return nil, err
	}
	c.clients[conn.Token] = cl
	return cl, nil
}
