package platform

import "github.com/jmoiron/sqlx"

type dataManager interface {
	GetSqlxDb() *sqlx.DB
}

// Service binds the platform store to the database handle so consumers
// (primarily the API layer) don't deal in connections.
type Service struct {
	db    dataManager
	store *Store
}

func NewService(db dataManager, store *Store) *Service {
	return &Service{db: db, store: store}
}

func (service *Service) AllPlatforms() ([]*Platform, error) {
	return service.store.GetAll(service.db.GetSqlxDb())
}

func (service *Service) ActivePlatforms() ([]*Platform, error) {
	return service.store.GetActive(service.db.GetSqlxDb())
}
