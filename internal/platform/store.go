package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kjmarlow/hoard/internal/database"
)

var ErrUnknownPlatform = errors.New("platform does not exist")

type (
	platformModel struct {
		ID          uuid.UUID                     `db:"id"`
		Name        string                        `db:"name"`
		DisplayName string                        `db:"display_name"`
		IsActive    bool                          `db:"is_active"`
		URLPatterns database.JsonColumn[[]string] `db:"url_patterns"`
		CreatedAt   time.Time                     `db:"created_at"`
	}

	Store struct{}
)

// GetAll returns every platform (active or not) ordered by name. The
// resolver consumes this ordering as its match precedence.
func (store *Store) GetAll(db database.Queryable) ([]*Platform, error) {
	var results []platformModel
	if err := db.Select(&results, `SELECT * FROM platforms ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to select platforms: %w", err)
	}

	output := make([]*Platform, len(results))
	for k, v := range results {
		output[k] = platformModelToPlatform(&v)
	}

	return output, nil
}

// GetActive returns only the platforms currently accepting new jobs.
func (store *Store) GetActive(db database.Queryable) ([]*Platform, error) {
	var results []platformModel
	if err := db.Select(&results, `SELECT * FROM platforms WHERE is_active ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to select active platforms: %w", err)
	}

	output := make([]*Platform, len(results))
	for k, v := range results {
		output[k] = platformModelToPlatform(&v)
	}

	return output, nil
}

func (store *Store) GetWithID(db database.Queryable, id uuid.UUID) (*Platform, error) {
	var result platformModel
	if err := db.Get(&result, `SELECT * FROM platforms WHERE id=$1`, id); err != nil {
		return nil, ErrUnknownPlatform
	}

	return platformModelToPlatform(&result), nil
}

func platformModelToPlatform(model *platformModel) *Platform {
	patterns := model.URLPatterns.Get()
	if patterns == nil {
		patterns = &[]string{}
	}

	return &Platform{
		ID:          model.ID,
		Name:        model.Name,
		DisplayName: model.DisplayName,
		IsActive:    model.IsActive,
		URLPatterns: *patterns,
		CreatedAt:   model.CreatedAt,
	}
}
