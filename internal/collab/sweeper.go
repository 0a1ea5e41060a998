package collab

import (
	"context"
	"log"
	"time"
)

// StartSweeper periodically deletes expired row and sheet locks. Expired
// locks already read as absent, so the sweep is garbage collection rather
// than correctness; it keeps the lock tables from growing without bound.
// It returns after ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	rows, err := e.store.DeleteExpiredRowLocks(ctx)
	if err != nil {
		log.Printf("collab: sweep row locks: %v", err)
	}
	sheets, err := e.store.DeleteExpiredSheetLocks(ctx)
	if err != nil {
		log.Printf("collab: sweep sheet locks: %v", err)
	}
	if rows > 0 || sheets > 0 {
		log.Printf("collab: swept %d row locks, %d sheet locks", rows, sheets)
	}
}
