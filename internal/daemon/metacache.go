package daemon

import (
	"time"

	"github.com/golithk/kiln/internal/board"
	"github.com/golithk/kiln/internal/log"
	"github.com/golithk/kiln/internal/store"
)

// storeMetadataCache adapts the board_meta table to the board package's
// persistence interface so project metadata survives restarts.
type storeMetadataCache struct {
	repo *store.BoardMetaRepository
}

var _ board.MetadataCache = (*storeMetadataCache)(nil)

func (c *storeMetadataCache) Get(projectURL string) (*board.Metadata, bool) {
	rec, err := c.repo.Get(projectURL)
	if err != nil {
		return nil, false
	}
	return &board.Metadata{
		ProjectID:     rec.ProjectID,
		StatusFieldID: rec.StatusFieldID,
		StatusOptions: rec.StatusOptions,
	}, true
}

func (c *storeMetadataCache) Put(projectURL string, m *board.Metadata) {
	err := c.repo.Put(&store.BoardMetaRecord{
		ProjectURL:    projectURL,
		ProjectID:     m.ProjectID,
		StatusFieldID: m.StatusFieldID,
		StatusOptions: m.StatusOptions,
		FetchedAt:     time.Now(),
	})
	if err != nil {
		log.Warn(log.CatDB, "Failed to persist board metadata", "project", projectURL, "error", err)
	}
}
