package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting events and flushing via Close.
func ExampleHub_Emit() {
	failures := 0
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Kind == KindJobFailed {
				failures++
			}
		}
		return nil
	}))

	hub.Emit(Event{TS: time.Unix(0, 0), Kind: KindJobStarted, JobID: "job-1"})
	hub.Emit(Event{TS: time.Unix(1, 0), Kind: KindJobFailed, JobID: "job-1", ErrorType: "execution timeout"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("failed jobs: %d\n", failures)
	// Output:
	// failed jobs: 1
}
