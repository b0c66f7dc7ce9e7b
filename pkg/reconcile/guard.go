package reconcile

import (
	"context"
	"fmt"

	"github.com/davidthor/mdctl/pkg/names"
)

// DefaultParallelLimit is the default number of executions allowed per
// deployment key.
const DefaultParallelLimit = 5

// IsAllowed reports whether another execution may start when count already
// exist.
func IsAllowed(count, limit int) bool {
	return count < limit
}

// Guard limits executions per deployment key. It counts every execution the
// reconciler fetches for the key, terminal ones included, so a key that keeps
// failing is throttled as well. It is advisory: two callers checking at once
// can both be allowed.
type Guard struct {
	executions ExecutionLister
	limit      int
}

// NewGuard creates a guard. A non-positive limit uses DefaultParallelLimit.
func NewGuard(executions ExecutionLister, limit int) *Guard {
	if limit <= 0 {
		limit = DefaultParallelLimit
	}
	return &Guard{executions: executions, limit: limit}
}

// Check counts the executions for key and reports whether another may start.
// The message explains a refusal.
func (g *Guard) Check(ctx context.Context, key names.Key) (bool, string, error) {
	executions, err := g.executions.ListExecutions(ctx, FetchStatuses(false))
	if err != nil {
		return false, "", fmt.Errorf("failed to count executions: %w", err)
	}

	count := 0
	for _, e := range executions {
		if e.MatchesKey(key) {
			count++
		}
	}
	if IsAllowed(count, g.limit) {
		return true, "", nil
	}
	return false, fmt.Sprintf("%d executions found for %s (limit %d)", count, key, g.limit), nil
}
