package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/anthonix/agentrt/agent"
)

// computeBackoff implements spec.md §4.6.3's delay formula exactly:
// delay before attempt k (1-based retry count) is
// min(base*2^(k-1), max), scaled by a uniform multiplicative jitter in
// [1-jitterFactor, 1+jitterFactor]. attempt is 0 for the first try (no
// delay) and >=1 for each retry.
func computeBackoff(attempt int, base, maxDelay time.Duration, jitterFactor float64, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		return 0
	}
	k := attempt // 1-based per spec.md's "attempt k (0-based, k>=1)" numbering of retries
	exp := base * time.Duration(1<<uint(k-1))
	if exp > maxDelay {
		exp = maxDelay
	}
	if jitterFactor <= 0 {
		return exp
	}
	factor := (1 - jitterFactor) + rng.Float64()*2*jitterFactor
	return time.Duration(float64(exp) * factor)
}

// runNodeWithRetry drives one node through its retry budget
// (spec.md §4.6.3). Both a returned NodeResult{Success:false} and a
// non-nil error from Run (a "system exception") count as failures; a
// system exception is converted into a NodeResult with
// Error="System exception: ...". A successful-but-empty response (per
// isEmptyResponse) is retried the same as a failure, but after the
// budget is exhausted the last result is returned as-is rather than as
// an error.
func runNodeWithRetry(
	ctx context.Context,
	node agent.Node,
	nc *agent.NodeContext,
	spec *agent.NodeSpec,
	policy Policy,
	rng *rand.Rand,
) (agent.NodeResult, int) {
	maxAttempts := spec.MaxRetries + 1
	var result agent.NodeResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.JitterFactor, rng)
			if delay > 0 {
				select {
				case <-ctx.Done():
					result = agent.NodeResult{Success: false, Error: ctx.Err().Error(), Quality: agent.QualityFailed}
					return result, attempt
				case <-time.After(delay):
				}
			}
		}

		nc.Attempt = attempt
		res, err := node.Run(ctx, nc)
		if err != nil {
			res = agent.NodeResult{
				Success: false,
				Error:   fmt.Sprintf("System exception: %s", err.Error()),
				Quality: agent.QualityFailed,
			}
		}
		result = res

		if result.Success {
			empty := policy.IsEmptyResponse != nil && policy.IsEmptyResponse(result)
			if !empty {
				result.RetriesUsed = attempt
				if attempt == 0 {
					result.Quality = agent.QualityClean
				} else {
					result.Quality = agent.QualityRecovered
				}
				return result, attempt
			}
			if attempt == maxAttempts-1 {
				// Exhausted retries on empty responses: return the last
				// result as-is (spec.md §4.6.3).
				result.RetriesUsed = attempt
				result.Quality = agent.QualityDegraded
				return result, attempt
			}
			continue
		}

		if attempt == maxAttempts-1 {
			result.RetriesUsed = attempt
			result.Quality = agent.QualityFailed
			return result, attempt
		}
	}

	return result, maxAttempts - 1
}
