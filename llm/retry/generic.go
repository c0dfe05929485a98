package retry

import "context"

// DoTyped is a type-safe wrapper around Retryer.Do for functions returning a value.
//
// Usage:
//
//	val, attempts, err := retry.DoTyped(ctx, r, func(ctx context.Context, attempt int) (int, error) {
//	    return 42, nil
//	})
func DoTyped[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var result T
	attempts, err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return result, attempts, nil
}
