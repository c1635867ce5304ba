package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every element of input using at most limit
// goroutines. Results keep the input order. The first error cancels the
// context passed to the remaining calls and is returned.
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	if limit < 1 {
		limit = 1
	}
	out := make([]D, len(input))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for idx, e := range input {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := mapFunc(gctx, e)
			if err != nil {
				return err
			}
			out[idx] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type result[D any] struct {
	d D
	e error
}

// Iter is the streaming form of Map: results are yielded as they are ready,
// errors are yielded too and do not stop the processing. Breaking the loop
// cancels the work in flight.
//
//	for result, err := range parallel.Iter(ctx, 4, seq, mapFunc) {}
func Iter[E, D any](ctx context.Context, limit int, seq iter.Seq[E], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit + 1)
		mapped := make(chan result[D], limit)

		g.Go(func() error {
			for e := range seq {
				if gctx.Err() != nil {
					return nil
				}
				g.Go(func() error {
					d, err := mapFunc(gctx, e)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case mapped <- result[D]{d: d, e: err}:
					}
					return nil
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				cancel()
				// drain, so the producers can finish
				for range mapped {
				}
				return
			}
		}
	}
}
