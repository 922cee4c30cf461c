package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessItems(t *testing.T) {
	items := []string{"a.png", "b.png", "c.png"}
	var seen []string
	var progress []int
	var failed []string

	report, err := ProcessItems(context.Background(), items,
		func(_ context.Context, _ int, item string) error {
			seen = append(seen, item)
			if item == "b.png" {
				return errors.New("model refused")
			}
			return nil
		},
		func(processed, total int) {
			assert.Equal(t, 3, total)
			progress = append(progress, processed)
		},
		func(_ int, item string, _ error) {
			failed = append(failed, item)
		},
	)
	require.NoError(t, err)

	assert.Equal(t, items, seen)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, []string{"b.png"}, failed)
	assert.Equal(t, BatchReport{Processed: 3, Failed: 1}, report)
}

func TestProcessItems_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	report, err := ProcessItems(ctx, []string{"a"}, func(context.Context, int, string) error {
		called = true
		return nil
	}, nil, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, report.Processed)
}

func TestSpanProgress(t *testing.T) {
	assert.Equal(t, 40, SpanProgress(40, 80, 0, 10))
	assert.Equal(t, 44, SpanProgress(40, 80, 1, 10))
	assert.Equal(t, 60, SpanProgress(40, 80, 5, 10))
	assert.Equal(t, 79, SpanProgress(40, 80, 10, 10))
	assert.Equal(t, 79, SpanProgress(40, 80, 12, 10))
	assert.Equal(t, 10, SpanProgress(10, 40, 3, 0))

	last := 0
	for done := 0; done <= 7; done++ {
		p := SpanProgress(10, 40, done, 7)
		assert.GreaterOrEqual(t, p, last)
		assert.Less(t, p, 40)
		last = p
	}
}
