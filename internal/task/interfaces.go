package task

import (
	"github.com/p-arndt/icebox/internal/store"
)

type RunStore interface {
	CreateRun(run *store.Run) error
	UpdateRunPID(id string, pid int) error
	FinishRun(run *store.Run) error
}
