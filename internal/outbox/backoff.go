package outbox

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// backoffDelay computes the delay before retry attempt n (0-based):
// exponential from base, capped, with jitter so retry storms spread out.
func backoffDelay(base, cap time.Duration, retries int) time.Duration {
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(cap, b)
	b = retry.WithJitterPercent(20, b)

	delay := base
	for i := 0; i <= retries; i++ {
		next, stopped := b.Next()
		if stopped {
			break
		}
		delay = next
	}
	return delay
}
