package resilience

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/config"
)

// RemoteBreaker builds the breaker that decides whether the object store is
// reachable, logging every transition.
func RemoteBreaker(cfg config.RemoteConfig) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.ResetSecs) * time.Second,
		OnStateChange: func(from, to State) {
			zap.L().Info("remote store breaker",
				zap.String("bucket", cfg.Bucket),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
}
