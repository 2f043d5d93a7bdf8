package persist

import (
	"context"
	"log"
	"time"

	"github.com/pixelbattle/backend/internal/canvas"
)

// RunSaver periodically snapshots the canvas to disk until ctx is
// canceled, then writes one final snapshot. Save failures are logged and
// otherwise ignored; the serving path never depends on this loop.
func RunSaver(ctx context.Context, store *Store, cv *canvas.Canvas, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Save(cv.Snapshot(), cv.Width(), cv.Height(), cv.PlacedCount()); err != nil {
				log.Printf("autosave failed: %v", err)
				continue
			}
			log.Printf("autosave complete | pixels: %d", cv.PlacedCount())
		case <-ctx.Done():
			if err := store.Save(cv.Snapshot(), cv.Width(), cv.Height(), cv.PlacedCount()); err != nil {
				log.Printf("final save failed: %v", err)
			}
			return
		}
	}
}
