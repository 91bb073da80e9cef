package output

import (
	"context"

	"github.com/3leaps/goflume/pkg/events"
)

// Follow writes every event from sub to w until the subscription's channel
// closes or ctx ends. It returns the number of distinct task ids seen.
// Dropped events are reported on the next record's Lag field.
func Follow(ctx context.Context, w Writer, sub *events.Subscription) (int, error) {
	tasks := make(map[int64]struct{})
	for {
		select {
		case <-ctx.Done():
			return len(tasks), ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return len(tasks), nil
			}
			tasks[ev.TaskID] = struct{}{}
			if err := w.WriteEvent(ctx, &EventRecord{Event: ev, Lag: sub.TakeLag()}); err != nil {
				return len(tasks), err
			}
		}
	}
}
