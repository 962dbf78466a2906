package platforms

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kjmarlow/hoard/internal/platform"
)

type (
	Dto struct {
		Id          uuid.UUID `json:"id"`
		Name        string    `json:"name"`
		DisplayName string    `json:"display_name"`
		IsActive    bool      `json:"is_active"`
		URLPatterns []string  `json:"url_patterns"`
		CreatedAt   time.Time `json:"created_at"`
	}

	Service interface {
		AllPlatforms() ([]*platform.Platform, error)
		ActivePlatforms() ([]*platform.Platform, error)
	}

	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
}

// list returns the platform catalog; '?active=true' narrows it to the
// platforms currently accepting submissions.
func (controller *Controller) list(ec echo.Context) error {
	fetch := controller.service.AllPlatforms
	if ec.QueryParam("active") == "true" {
		fetch = controller.service.ActivePlatforms
	}

	models, err := fetch()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list platforms")
	}

	dtos := make([]*Dto, len(models))
	for i, model := range models {
		dtos[i] = NewDto(model)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func NewDto(model *platform.Platform) *Dto {
	return &Dto{
		Id:          model.ID,
		Name:        model.Name,
		DisplayName: model.DisplayName,
		IsActive:    model.IsActive,
		URLPatterns: model.URLPatterns,
		CreatedAt:   model.CreatedAt,
	}
}
