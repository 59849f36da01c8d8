// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, fails permanently, runs out of attempts or its context
// ends.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
//	    return post(ctx)
//	}, retry.WithShouldRetry(isTransient))
package retry
