package analysis

import (
	"context"
)

// ItemFunc processes one item of a batch. An error drops that item only.
type ItemFunc func(ctx context.Context, index int, item string) error

// BatchReport summarizes an incremental pass over a batch.
type BatchReport struct {
	Processed int
	Failed    int
}

// ProcessItems walks items in order, calling fn for each one and
// onProgress(processed, total) after every item whether it failed or not.
// Item failures are counted and reported through onFailure; only context
// cancellation stops the pass early.
func ProcessItems(
	ctx context.Context,
	items []string,
	fn ItemFunc,
	onProgress func(processed, total int),
	onFailure func(index int, item string, err error),
) (BatchReport, error) {
	var report BatchReport
	total := len(items)

	for i, item := range items {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		if err := fn(ctx, i, item); err != nil {
			report.Failed++
			if onFailure != nil {
				onFailure(i, item, err)
			}
		}
		report.Processed++

		if onProgress != nil {
			onProgress(report.Processed, total)
		}
	}

	return report, nil
}

// SpanProgress maps done/total linearly onto [lo, hi). The result never
// reaches hi so the next stage's starting value stays strictly larger.
func SpanProgress(lo, hi, done, total int) int {
	if total <= 0 || done <= 0 {
		return lo
	}
	if done > total {
		done = total
	}
	p := lo + (hi-lo)*done/total
	if p >= hi {
		p = hi - 1
	}
	return p
}
