package downloads

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/platform"
)

type (
	CreateRequest struct {
		URL       string `json:"url" validate:"required,max=2048"`
		Quality   string `json:"quality" validate:"omitempty,max=100"`
		AudioOnly bool   `json:"audio_only"`
	}

	BulkCreateRequest struct {
		Downloads []CreateRequest `json:"downloads" validate:"required,min=1,dive"`
	}

	ValidateURLRequest struct {
		URL string `json:"url" validate:"required,max=2048"`
	}

	// Dto is the full representation of a download job returned by the
	// list and detail endpoints.
	Dto struct {
		Id         uuid.UUID `json:"id"`
		URL        string    `json:"url"`
		PlatformId uuid.UUID `json:"platform_id"`

		Title        *string `json:"title"`
		Description  *string `json:"description"`
		DurationSecs *int    `json:"duration_secs"`
		ThumbnailURL *string `json:"thumbnail_url"`

		Quality   string `json:"quality"`
		AudioOnly bool   `json:"audio_only"`

		Status       string  `json:"status"`
		Progress     int     `json:"progress"`
		RetryCount   int     `json:"retry_count"`
		ErrorMessage *string `json:"error_message"`

		FileSize           *int64  `json:"file_size"`
		ActualQuality      *string `json:"actual_quality"`
		Extractor          *string `json:"extractor"`
		FormatId           *string `json:"format_id"`
		ProcessingTimeSecs *int    `json:"processing_time_secs"`
		TransferSpeedKbps  *int    `json:"transfer_speed_kbps"`

		CreatedAt   time.Time  `json:"created_at"`
		StartedAt   *time.Time `json:"started_at"`
		CompletedAt *time.Time `json:"completed_at"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}

	// StatusDto is the compact representation served by the status
	// endpoint, intended for cheap polling.
	StatusDto struct {
		Id           uuid.UUID `json:"id"`
		Status       string    `json:"status"`
		Progress     int       `json:"progress"`
		ErrorMessage *string   `json:"error_message"`
	}

	ListDto struct {
		Downloads []*Dto `json:"downloads"`
		Total     int    `json:"total"`
		Page      int    `json:"page"`
		PerPage   int    `json:"per_page"`
	}

	BulkCreateDto struct {
		Created  []*Dto                   `json:"created"`
		Rejected []download.BulkRejection `json:"rejected"`
	}

	PlatformDto struct {
		Id          uuid.UUID `json:"id"`
		Name        string    `json:"name"`
		DisplayName string    `json:"display_name"`
	}

	ValidateURLDto struct {
		Valid              bool         `json:"valid"`
		Platform           *PlatformDto `json:"platform,omitempty"`
		SupportedQualities []string     `json:"supported_qualities,omitempty"`
		Suggestion         string       `json:"suggestion,omitempty"`
	}

	Service interface {
		CreateJob(download.NewJobRequest) (*download.Job, error)
		CreateJobs([]download.NewJobRequest) ([]*download.Job, []download.BulkRejection, error)
		GetJob(uuid.UUID) (*download.Job, error)
		ListJobs(download.ListFilter) ([]*download.Job, int, error)
		CancelJob(uuid.UUID) error
		DeleteJob(uuid.UUID) error
	}

	Resolver interface {
		Resolve(rawURL string) (*platform.Platform, error)
		Suggest(rawURL string) string
	}

	Controller struct {
		service  Service
		resolver Resolver
		validate *validator.Validate
	}
)

func New(validate *validator.Validate, service Service, resolver Resolver) *Controller {
	return &Controller{service: service, resolver: resolver, validate: validate}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
	eg.POST("/bulk/", controller.createBulk)
	eg.POST("/validate-url/", controller.validateURL)
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.GET("/:id/status/", controller.getStatus)
	eg.POST("/:id/cancel/", controller.cancel)
	eg.DELETE("/:id/", controller.delete)
}

func (controller *Controller) create(ec echo.Context) error {
	var request CreateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}

	job, err := controller.service.CreateJob(download.NewJobRequest{
		SourceURL: request.URL,
		Quality:   request.Quality,
		AudioOnly: request.AudioOnly,
	})
	if err != nil {
		if download.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create download")
	}

	return ec.JSON(http.StatusCreated, NewDto(job))
}

func (controller *Controller) createBulk(ec echo.Context) error {
	var request BulkCreateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}

	submissions := make([]download.NewJobRequest, len(request.Downloads))
	for i, entry := range request.Downloads {
		submissions[i] = download.NewJobRequest{
			SourceURL: entry.URL,
			Quality:   entry.Quality,
			AudioOnly: entry.AudioOnly,
		}
	}

	jobs, rejections, err := controller.service.CreateJobs(submissions)
	if err != nil {
		if download.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create downloads")
	}

	created := make([]*Dto, len(jobs))
	for i, job := range jobs {
		created[i] = NewDto(job)
	}
	if rejections == nil {
		rejections = []download.BulkRejection{}
	}

	return ec.JSON(http.StatusCreated, BulkCreateDto{Created: created, Rejected: rejections})
}

// validateURL reports whether a URL belongs to a supported platform without
// creating anything. Unrecognised hosts get a best-guess platform
// suggestion where one is close enough.
func (controller *Controller) validateURL(ec echo.Context) error {
	var request ValidateURLRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}

	plat, err := controller.resolver.Resolve(request.URL)
	if err != nil {
		if errors.Is(err, platform.ErrPlatformNotFound) {
			return ec.JSON(http.StatusOK, ValidateURLDto{Valid: false, Suggestion: controller.resolver.Suggest(request.URL)})
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to validate URL")
	}

	return ec.JSON(http.StatusOK, ValidateURLDto{
		Valid:              true,
		Platform:           &PlatformDto{Id: plat.ID, Name: plat.Name, DisplayName: plat.DisplayName},
		SupportedQualities: download.GenericQualities,
	})
}

func (controller *Controller) list(ec echo.Context) error {
	filter, err := listFilterFromQuery(ec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	jobs, total, err := controller.service.ListJobs(*filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list downloads")
	}

	dtos := make([]*Dto, len(jobs))
	for i, job := range jobs {
		dtos[i] = NewDto(job)
	}

	return ec.JSON(http.StatusOK, ListDto{
		Downloads: dtos,
		Total:     total,
		Page:      filter.Offset/filter.Limit + 1,
		PerPage:   filter.Limit,
	})
}

func (controller *Controller) get(ec echo.Context) error {
	job, err := controller.fetchJob(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, NewDto(job))
}

func (controller *Controller) getStatus(ec echo.Context) error {
	job, err := controller.fetchJob(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, StatusDto{
		Id:           job.ID,
		Status:       string(job.Status),
		Progress:     job.ProgressPercent,
		ErrorMessage: job.ErrorMessage,
	})
}

func (controller *Controller) cancel(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := controller.service.CancelJob(id); err != nil {
		switch {
		case errors.Is(err, download.ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Download with ID %s does not exist", id))
		case errors.Is(err, download.ErrJobNotCancellable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to cancel download")
		}
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := controller.service.DeleteJob(id); err != nil {
		switch {
		case errors.Is(err, download.ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Download with ID %s does not exist", id))
		case errors.Is(err, download.ErrJobInProgress):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete download")
		}
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) fetchJob(ec echo.Context) (*download.Job, error) {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	job, err := controller.service.GetJob(id)
	if err != nil {
		if errors.Is(err, download.ErrJobNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Download with ID %s does not exist", id))
		}

		return nil, echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch download")
	}

	return job, nil
}

func listFilterFromQuery(ec echo.Context) (*download.ListFilter, error) {
	filter := download.ListFilter{Limit: 20}

	if raw := ec.QueryParam("status"); raw != "" {
		status := download.JobStatus(raw)
		switch status {
		case download.StatusPending, download.StatusProcessing, download.StatusCompleted, download.StatusFailed, download.StatusCancelled:
			filter.Status = &status
		default:
			return nil, fmt.Errorf("unknown status '%s'", raw)
		}
	}

	if raw := ec.QueryParam("platform"); raw != "" {
		platformID, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New("platform filter is not a valid UUID")
		}
		filter.PlatformID = &platformID
	}

	if raw := ec.QueryParam("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil || perPage < 1 || perPage > 100 {
			return nil, errors.New("per_page must be between 1 and 100")
		}
		filter.Limit = perPage
	}

	if raw := ec.QueryParam("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return nil, errors.New("page must be a positive integer")
		}
		filter.Offset = (page - 1) * filter.Limit
	}

	return &filter, nil
}

// NewDto maps a job model to its API representation.
func NewDto(job *download.Job) *Dto {
	return &Dto{
		Id:                 job.ID,
		URL:                job.SourceURL,
		PlatformId:         job.PlatformID,
		Title:              job.Title,
		Description:        job.Description,
		DurationSecs:       job.DurationSecs,
		ThumbnailURL:       job.ThumbnailURL,
		Quality:            job.RequestedQuality,
		AudioOnly:          job.AudioOnly,
		Status:             string(job.Status),
		Progress:           job.ProgressPercent,
		RetryCount:         job.RetryCount,
		ErrorMessage:       job.ErrorMessage,
		FileSize:           job.ArtifactSize,
		ActualQuality:      job.ActualQuality,
		Extractor:          job.Extractor,
		FormatId:           job.FormatID,
		ProcessingTimeSecs: job.ProcessingTimeSecs,
		TransferSpeedKbps:  job.TransferSpeedKbps,
		CreatedAt:          job.CreatedAt,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
		ExpiresAt:          job.ExpiresAt,
	}
}
