// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// UserRateLimiter hands out one token bucket per authenticated user.
// Buckets idle for longer than idleTTL are dropped by Sweep.
type UserRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	limiters map[string]*userBucket
	now      func() time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter allows perMinute requests per user with the given
// burst. perMinute <= 0 disables limiting.
func NewUserRateLimiter(perMinute float64, burst int) *UserRateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &UserRateLimiter{
		limit:    limit,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*userBucket),
		now:      time.Now,
	}
}

// Allow reports whether userID may make a request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Sweep forgets buckets idle for longer than the idle TTL and returns
// how many were removed.
func (l *UserRateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	n := 0
	for id, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the caller's budget with 429. It must
// run after SessionAuth; unauthenticated requests pass through.
func (l *UserRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := GetAuthInfo(c)
		if caller != nil && !l.Allow(caller.UserID) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
