package handlers

import (
	"time"

	"nestbox/internal/coordinator"
	"nestbox/internal/database"
	"nestbox/internal/jobs"
	"nestbox/internal/startup"
	"nestbox/internal/upload"
)

// Handlers serves the JSON API.
type Handlers struct {
	index       *database.IndexStore
	users       *database.UserStore
	chunks      *upload.ChunkStore
	queue       *jobs.Queue
	coordinator *coordinator.Coordinator

	mergeDelay     time.Duration
	invitationCode string
	startTime      time.Time
}

func New(index *database.IndexStore, users *database.UserStore, chunks *upload.ChunkStore, queue *jobs.Queue, coord *coordinator.Coordinator, config *startup.Config) *Handlers {
	return &Handlers{
		index:          index,
		users:          users,
		chunks:         chunks,
		queue:          queue,
		coordinator:    coord,
		mergeDelay:     config.MergeDelay,
		invitationCode: config.InvitationCode,
		startTime:      time.Now(),
	}
}
