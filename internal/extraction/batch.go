package extraction

import (
	"context"
	"fmt"
	"sync"

	"recall/internal/perception"

	"golang.org/x/sync/errgroup"
)

// sampleBatch issues n requests for prefix and returns the samples ordered by
// request index. The parent context is checked before each dispatch; calls
// already in flight run to completion on a context that ignores the parent's
// cancellation (each attempt still has its own timeout). If cancellation
// stops dispatch early the partial batch is discarded and ctx.Err() returned.
// A panic in a worker is re-raised on the caller's goroutine once the batch
// has drained.
func sampleBatch(ctx context.Context, sampler perception.Sampler, n, parallelism int, label perception.CallLabel, prefix string, maxTokens int) ([]perception.Sample, error) {
	batch := make([]perception.Sample, n)
	detached := context.WithoutCancel(ctx)

	callCtx := func(i int) context.Context {
		l := label
		l.Index = i + 1
		return perception.WithCallLabel(detached, l)
	}

	dispatched := 0
	if parallelism <= 1 {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			batch[i] = sampler.Sample(callCtx(i), prefix, maxTokens)
			dispatched++
		}
	} else {
		var (
			g         errgroup.Group
			panicOnce sync.Once
			panicked  any
		)
		g.SetLimit(parallelism)
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						panicOnce.Do(func() { panicked = r })
						err = fmt.Errorf("sample %d panicked: %v", i+1, r)
					}
				}()
				batch[i] = sampler.Sample(callCtx(i), prefix, maxTokens)
				return nil
			})
			dispatched++
		}
		if err := g.Wait(); err != nil {
			panic(panicked)
		}
	}

	if dispatched < n {
		return nil, ctx.Err()
	}
	return batch, nil
}
