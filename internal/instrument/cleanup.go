package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"lattice-backend/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays from the _events table.
func CleanupOldEvents(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) {
	sqlStr := fmt.Sprintf("DELETE FROM _events WHERE %s", dialect.IntervalDeleteExpr("created_at", retentionDays))
	result, err := db.ExecContext(ctx, sqlStr)
	if err != nil {
		log.Printf("ERROR: event cleanup: %v", err)
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Printf("ERROR: event cleanup rows affected: %v", err)
		return
	}
	if rowsAffected > 0 {
		log.Printf("Event cleanup: deleted %d old events", rowsAffected)
	}
}

// CleanupLoop runs CleanupOldEvents on the interval until the returned stop
// function is called. stop waits for the loop goroutine to exit and is safe
// to call more than once.
func CleanupLoop(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				CleanupOldEvents(ctx, db, dialect, retentionDays)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
