package instrument

import (
	"context"
	"testing"
	"time"
)

func TestCleanupLoopStops(t *testing.T) {
	stop := CleanupLoop(context.Background(), nil, nil, 7, time.Hour)

	finished := make(chan struct{})
	go func() {
		stop()
		stop() // safe to call twice
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
