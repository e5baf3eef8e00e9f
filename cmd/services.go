package cmd

import (
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/team"
)

// cliServices bundles what administrative commands need. They open the
// store directly; SQLite's busy timeout arbitrates with a running
// daemon, so no daemon is required.
type cliServices struct {
	store *sqlite.Store
	bus   *event.Bus
	teams *team.Service
}

func openServices() (*cliServices, error) {
	if err := h.EnsureLayout(); err != nil {
		return nil, err
	}
	store, err := sqlite.Open(h.DBFile(), h.BackupsDir())
	if err != nil {
		return nil, err
	}
	bus := event.NewBus(store.Events)
	teams := team.NewService(h, store, bus, git.NewRealExecutor(), nil, nil)
	return &cliServices{store: store, bus: bus, teams: teams}, nil
}

func (s *cliServices) Close() {
	s.bus.Close()
	_ = s.store.Close()
}
