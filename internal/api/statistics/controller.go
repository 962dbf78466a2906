package statistics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kjmarlow/hoard/internal/stats"
)

type (
	SummaryDto struct {
		TotalDownloads int     `json:"total_downloads"`
		Active         int     `json:"active"`
		Completed      int     `json:"completed"`
		Failed         int     `json:"failed"`
		Cancelled      int     `json:"cancelled"`
		SuccessRate    float64 `json:"success_rate"`
		TotalSizeBytes int64   `json:"total_size_bytes"`
		TotalSizeHuman string  `json:"total_size"`
		AvgFileSize    string  `json:"average_file_size"`
		Last24Hours    int     `json:"last_24_hours"`
		Last7Days      int     `json:"last_7_days"`
		TopPlatform    string  `json:"top_platform"`
	}

	PlatformActivityDto struct {
		PlatformId uuid.UUID `json:"platform_id"`
		Platform   string    `json:"platform"`
		Total      int       `json:"total"`
		Completed  int       `json:"completed"`
		Failed     int       `json:"failed"`
		TotalSize  int64     `json:"total_size_bytes"`
	}

	DailyDto struct {
		PlatformId          uuid.UUID `json:"platform_id"`
		Date                string    `json:"date"`
		TotalDownloads      int       `json:"total_downloads"`
		SuccessfulDownloads int       `json:"successful_downloads"`
		FailedDownloads     int       `json:"failed_downloads"`
		TotalSizeMB         int64     `json:"total_size_mb"`
	}

	Service interface {
		Summary() (*stats.Summary, error)
		PlatformBreakdown() ([]*stats.PlatformActivity, error)
		History(days int) ([]*stats.DailyStatistic, error)
	}

	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.summary)
	eg.GET("/platforms/", controller.platforms)
	eg.GET("/daily/", controller.daily)
}

func (controller *Controller) summary(ec echo.Context) error {
	summary, err := controller.service.Summary()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to compute statistics")
	}

	avgFileSize := int64(0)
	if summary.Completed > 0 {
		avgFileSize = summary.TotalSize / int64(summary.Completed)
	}

	return ec.JSON(http.StatusOK, SummaryDto{
		TotalDownloads: summary.TotalJobs,
		Active:         summary.ActiveJobs,
		Completed:      summary.Completed,
		Failed:         summary.Failed,
		Cancelled:      summary.Cancelled,
		SuccessRate:    summary.SuccessRate,
		TotalSizeBytes: summary.TotalSize,
		TotalSizeHuman: humanize.Bytes(uint64(summary.TotalSize)),
		AvgFileSize:    humanize.Bytes(uint64(avgFileSize)),
		Last24Hours:    summary.Last24Hours,
		Last7Days:      summary.Last7Days,
		TopPlatform:    summary.TopPlatform,
	})
}

func (controller *Controller) platforms(ec echo.Context) error {
	breakdown, err := controller.service.PlatformBreakdown()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to compute platform statistics")
	}

	dtos := make([]*PlatformActivityDto, len(breakdown))
	for i, activity := range breakdown {
		dtos[i] = &PlatformActivityDto{
			PlatformId: activity.PlatformID,
			Platform:   activity.Platform,
			Total:      activity.Total,
			Completed:  activity.Completed,
			Failed:     activity.Failed,
			TotalSize:  activity.TotalSize,
		}
	}

	return ec.JSON(http.StatusOK, dtos)
}

// daily serves the aggregated per-day figures; '?days=N' controls the
// window (default 30, capped at 365).
func (controller *Controller) daily(ec echo.Context) error {
	days := 30
	if raw := ec.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 365 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be between 1 and 365")
		}
		days = parsed
	}

	figures, err := controller.service.History(days)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch daily statistics")
	}

	dtos := make([]*DailyDto, len(figures))
	for i, figure := range figures {
		dtos[i] = &DailyDto{
			PlatformId:          figure.PlatformID,
			Date:                figure.Date.Format(time.DateOnly),
			TotalDownloads:      figure.TotalDownloads,
			SuccessfulDownloads: figure.SuccessfulDownloads,
			FailedDownloads:     figure.FailedDownloads,
			TotalSizeMB:         figure.TotalSizeMB,
		}
	}

	return ec.JSON(http.StatusOK, dtos)
}
