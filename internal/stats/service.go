package stats

import (
	"time"

	"github.com/jmoiron/sqlx"
)

type dataManager interface {
	GetSqlxDb() *sqlx.DB
}

// Service exposes the statistics queries to the API layer.
type Service struct {
	db    dataManager
	store *Store
}

func NewService(db dataManager, store *Store) *Service {
	return &Service{db: db, store: store}
}

func (service *Service) Summary() (*Summary, error) {
	return service.store.Summarize(service.db.GetSqlxDb())
}

func (service *Service) PlatformBreakdown() ([]*PlatformActivity, error) {
	return service.store.PlatformBreakdown(service.db.GetSqlxDb())
}

// History returns the recorded daily figures for the trailing number of
// days, oldest first.
func (service *Service) History(days int) ([]*DailyStatistic, error) {
	to := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	from := to.Add(-time.Duration(days) * 24 * time.Hour)

	return service.store.ListRange(service.db.GetSqlxDb(), from, to)
}
