package api

import (
	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/api/downloads"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/http/websocket"
)

const (
	TitleDownloadUpdate   = "DOWNLOAD_UPDATE"
	TitleDownloadProgress = "DOWNLOAD_PROGRESS_UPDATE"
	TitleDownloadComplete = "DOWNLOAD_COMPLETE"
)

type (
	DownloadUpdate struct {
		DownloadId uuid.UUID      `json:"download_id"`
		Download   *downloads.Dto `json:"download"`
	}

	// broadcaster pushes download lifecycle changes to every connected
	// activity socket client.
	broadcaster struct {
		socketHub       *websocket.SocketHub
		downloadService downloads.Service
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, downloadService downloads.Service) *broadcaster {
	return &broadcaster{socketHub: socketHub, downloadService: downloadService}
}

func (hub *broadcaster) BroadcastDownloadUpdate(id uuid.UUID) error {
	return hub.broadcastDownload(TitleDownloadUpdate, id)
}

func (hub *broadcaster) BroadcastDownloadProgress(id uuid.UUID) error {
	return hub.broadcastDownload(TitleDownloadProgress, id)
}

func (hub *broadcaster) BroadcastDownloadComplete(id uuid.UUID) error {
	return hub.broadcastDownload(TitleDownloadComplete, id)
}

func (hub *broadcaster) broadcastDownload(title string, id uuid.UUID) error {
	// A job deleted between the event firing and this lookup still gets
	// announced, just without a body, so clients can drop it from view.
	update := DownloadUpdate{DownloadId: id}
	if job, err := hub.downloadService.GetJob(id); err == nil {
		update.Download = downloads.NewDto(job)
	}

	hub.broadcast(title, update)
	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]any{"arguments": update},
		Type:  websocket.Update,
	})
}

// connectionPayload furnishes a newly connected socket client with the
// current first page of downloads.
func (gateway *RestGateway) connectionPayload() map[string]any {
	jobs, total, err := gateway.downloadService.ListJobs(download.ListFilter{Limit: 50})
	if err != nil {
		log.Warnf("Failed to compose connection payload: %v\n", err)
		return map[string]any{}
	}

	dtos := make([]*downloads.Dto, len(jobs))
	for i, job := range jobs {
		dtos[i] = downloads.NewDto(job)
	}

	return map[string]any{"downloads": dtos, "total": total}
}

// socketDownloadState services the DOWNLOAD_STATE command, replying to the
// requesting client with the current first page of downloads.
func (gateway *RestGateway) socketDownloadState(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	jobs, total, err := gateway.downloadService.ListJobs(download.ListFilter{Limit: 50})
	if err != nil {
		return err
	}

	dtos := make([]*downloads.Dto, len(jobs))
	for i, job := range jobs {
		dtos[i] = downloads.NewDto(job)
	}

	hub.Send(message.FormReply("DOWNLOAD_STATE", map[string]any{"downloads": dtos, "total": total}, websocket.Response))
	return nil
}
