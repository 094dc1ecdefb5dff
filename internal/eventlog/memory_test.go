package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/taskmesh/taskmesh/pkg/types"
)

func TestMemoryLog_Append(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	t.Run("versions increase without gaps", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			evt, err := log.Append(ctx, types.AggregateTask, "task-1", types.EventTaskReady, nil)
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if evt.Version != int64(i+1) {
				t.Errorf("expected version %d, got %d", i+1, evt.Version)
			}
		}
	})

	t.Run("versions are per aggregate", func(t *testing.T) {
		evt, err := log.Append(ctx, types.AggregateTask, "task-2", types.EventTaskCreated, nil)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if evt.Version != 1 {
			t.Errorf("expected version 1 for new aggregate, got %d", evt.Version)
		}

		// Same id, different aggregate type is a separate stream.
		evt, err = log.Append(ctx, types.AggregateDag, "task-2", types.EventDagCreated, nil)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if evt.Version != 1 {
			t.Errorf("expected version 1 across aggregate types, got %d", evt.Version)
		}
	})

	t.Run("data round-trips", func(t *testing.T) {
		payload := map[string]string{"status": "ready"}
		evt, err := log.Append(ctx, types.AggregateTask, "task-3", types.EventTaskReady, payload)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		var got map[string]string
		if err := json.Unmarshal(evt.Data, &got); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if got["status"] != "ready" {
			t.Errorf("expected status=ready, got %v", got)
		}
	})
}

func TestMemoryLog_ConcurrentAppend(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := log.Append(ctx, types.AggregateTask, "shared", types.EventTaskReady, nil); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	events, err := log.History(ctx, types.AggregateTask, "shared")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, evt := range events {
		if evt.Version != int64(i+1) {
			t.Fatalf("gap at index %d: version %d", i, evt.Version)
		}
	}
}

func TestMemoryLog_History(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := log.History(ctx, types.AggregateTask, "missing")
		if err != ErrAggregateNotFound {
			t.Errorf("expected ErrAggregateNotFound, got %v", err)
		}
	})

	t.Run("replay reconstructs status", func(t *testing.T) {
		transitions := []types.EventType{
			types.EventTaskCreated, types.EventTaskReady,
			types.EventTaskAssigned, types.EventTaskStarted, types.EventTaskCompleted,
		}
		for _, et := range transitions {
			if _, err := log.Append(ctx, types.AggregateTask, "replayed", et, nil); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		events, err := log.History(ctx, types.AggregateTask, "replayed")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}

		// Fold the history; the last transition wins.
		status := types.TaskStatusPending
		for _, evt := range events {
			switch evt.Type {
			case types.EventTaskReady:
				status = types.TaskStatusReady
			case types.EventTaskAssigned:
				status = types.TaskStatusAssigned
			case types.EventTaskStarted:
				status = types.TaskStatusRunning
			case types.EventTaskCompleted:
				status = types.TaskStatusCompleted
			}
		}
		if status != types.TaskStatusCompleted {
			t.Errorf("replay produced %s, expected completed", status)
		}
	})
}

func TestMemoryLog_Subscribe(t *testing.T) {
	log := NewMemoryLog(nil)
	defer log.Close()
	ctx := context.Background()

	ch, cleanup, err := log.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	if _, err := log.Append(ctx, types.AggregateDag, "dag-1", types.EventDagCreated, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != types.EventDagCreated {
			t.Errorf("expected dag.created, got %s", evt.Type)
		}
	default:
		t.Fatal("expected event on subscription channel")
	}
}
