package handler

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Two request classes with separate budgets: snapshot fetches move
// chunk-sized byte ranges (a node restoring from a snapshot issues long runs
// of them), so they get their own bucket and cannot starve the control
// surface (ledger reads, governance, app writes) of the same client, and
// vice versa.
const (
	classAPI      = "api"
	classSnapshot = "snapshot"
)

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// RPS and Burst budget the control surface. Burst defaults to 2*RPS.
	RPS   int
	Burst int
	// SnapshotRPS and SnapshotBurst budget snapshot file fetches
	// (GET|HEAD /node/snapshot/<name>) separately. Zero inherits the
	// control-surface budget.
	SnapshotRPS   int
	SnapshotBurst int
	// IdleTTL drops a client's buckets after this long without a request;
	// SweepInterval is how often idle clients are collected.
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type clientBuckets struct {
	api      *rate.Limiter
	snapshot *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware enforcing per-IP token buckets, one
// per request class. Rejections are counted in the seal_rate_limited_total
// metric by class.
func RateLimiter(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS * 2
	}
	if cfg.SnapshotRPS <= 0 {
		cfg.SnapshotRPS, cfg.SnapshotBurst = cfg.RPS, cfg.Burst
	}
	if cfg.SnapshotBurst <= 0 {
		cfg.SnapshotBurst = cfg.SnapshotRPS * 2
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	var mu sync.Mutex
	clients := make(map[string]*clientBuckets)

	go func() {
		for {
			time.Sleep(cfg.SweepInterval)
			mu.Lock()
			for ip, b := range clients {
				if time.Since(b.lastSeen) > cfg.IdleTTL {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		b, ok := clients[ip]
		if !ok {
			b = &clientBuckets{
				api:      rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
				snapshot: rate.NewLimiter(rate.Limit(cfg.SnapshotRPS), cfg.SnapshotBurst),
			}
			clients[ip] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		class, lim := classAPI, b.api
		if isSnapshotFetch(c.Request) {
			class, lim = classSnapshot, b.snapshot
		}
		if !lim.Allow() {
			recordRateLimited(class)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"message": "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

// isSnapshotFetch reports whether the request retrieves snapshot file bytes,
// as opposed to the /node/snapshot redirect or any control endpoint.
func isSnapshotFetch(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/node/snapshot/")
}
