package dynamodb

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_ClosePreventsHealthCheck(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("closed adapter always fails healthcheck", prop.ForAll(
		func() bool {
			a := &Adapter{closed: true, logger: &mockLogger{}}
			return a.HealthCheck(context.Background()) != nil
		},
	))

	properties.TestingRun(t)
}

// The provider polls DescribeTable under a caller deadline while a table is created;
// the per-call timeout must never cut that deadline short or extend it.
func TestProperty_OperationTimeoutBoundsOnlyUnboundedCalls(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("caller deadlines win, otherwise the adapter timeout applies", prop.ForAll(
		func(timeoutMs, callerMs int, callerBound bool) bool {
			a := &Adapter{timeout: time.Duration(timeoutMs) * time.Millisecond, logger: &mockLogger{}}
			ctx := context.Background()
			var want time.Time
			if callerBound {
				var cancel context.CancelFunc
				want = time.Now().Add(time.Duration(callerMs) * time.Millisecond)
				ctx, cancel = context.WithDeadline(ctx, want)
				defer cancel()
			}
			before := time.Now()
			opCtx, cancel := a.withOperationTimeout(ctx)
			after := time.Now()
			defer cancel()

			got, ok := opCtx.Deadline()
			switch {
			case callerBound:
				return ok && got.Equal(want)
			case timeoutMs == 0:
				return !ok
			default:
				return ok && !got.Before(before.Add(a.timeout)) && !got.After(after.Add(a.timeout))
			}
		},
		gen.IntRange(0, 5000),
		gen.IntRange(1, 5000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestProperty_CloseIsSticky(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("any number of closes leaves the adapter closed", prop.ForAll(
		func(closes int) bool {
			a := &Adapter{logger: &mockLogger{}}
			for i := 0; i < closes; i++ {
				if err := a.Close(); err != nil {
					return false
				}
			}
			return a.Ping(context.Background()) != nil
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
