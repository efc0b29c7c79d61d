package server

import (
	"github.com/gin-gonic/gin"
	"github.com/tillworks/licensing/internal/identity"
	obscontext "github.com/tillworks/licensing/internal/observability/context"
	"go.uber.org/zap"
)

const contextKeyIdentity = "caller_identity"

// AuthRequired resolves the caller identity through the injected resolver
// and stores it on the request. Command handlers never read session state
// themselves.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.identityResolver.Resolve(c.Request)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextKeyIdentity, caller)
		ctx := obscontext.WithCallerID(c.Request.Context(), caller.Email)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func callerIdentity(c *gin.Context) (identity.Identity, bool) {
	value, ok := c.Get(contextKeyIdentity)
	if !ok {
		return identity.Identity{}, false
	}
	caller, ok := value.(identity.Identity)
	return caller, ok
}

// RateLimit sheds traffic per client address through the Redis token bucket.
// A nil bucket or a Redis failure lets the request through; limiting is a
// shield, not a dependency.
func (s *Server) RateLimit(scope string, rate float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := "ratelimit:" + scope + ":" + c.ClientIP()
		result, err := s.limiter.Allow(c.Request.Context(), key, rate, burst)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
