package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SignHMAC returns the hex HMAC-SHA256 of payload.
func SignHMAC(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ServerClock tracks the offset between local and exchange server time.
type ServerClock struct {
	mu     sync.RWMutex
	offset time.Duration
	now    func() time.Time
}

// NewServerClock creates a clock with zero offset.
func NewServerClock(now func() time.Time) *ServerClock {
	if now == nil {
		now = time.Now
	}
	return &ServerClock{now: now}
}

// NowMs returns the estimated server time in milliseconds.
func (c *ServerClock) NowMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset).UnixMilli()
}

// Sync sets the offset from an observed server timestamp.
func (c *ServerClock) Sync(serverMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.UnixMilli(serverMs).Sub(c.now())
}

// Offset returns the current offset.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// RetryOnSkew runs call; when the error is a timestamp rejection it
// resynchronizes the clock once and repeats the same call.
func RetryOnSkew(ctx context.Context, isSkew func(error) bool, resync func(context.Context) error, call func() error) error {
	err := call()
	if err == nil || !isSkew(err) {
		return err
	}
	if rerr := resync(ctx); rerr != nil {
		return err
	}
	return call()
}
