// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/openchatd/openchatd/services/orchestrator/observability"
)

// GlobalRateLimit is a coarse process-wide ingress cap sitting in front of
// the per-session sliding windows. It protects the service from aggregate
// overload; fairness between sessions is the admission limiter's job.
//
// A non-positive rps disables the middleware.
func GlobalRateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = int(rps)
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRateLimitRejection("global")
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "server is at capacity, retry shortly",
			})
			return
		}
		c.Next()
	}
}
