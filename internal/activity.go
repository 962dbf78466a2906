package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/pkg/logger"
)

const (
	debounceDuration time.Duration = time.Second * 2
	maxTimerDuration time.Duration = time.Second * 5

	rapidEventDebounceDuration time.Duration = time.Millisecond * 500
	rapidEventMaxTimerDuration time.Duration = time.Second * 2
)

type (
	broadcastHandler func(uuid.UUID) error

	// broadcaster relays a change for a specific download to any connected
	// websocket clients.
	broadcaster interface {
		BroadcastDownloadUpdate(uuid.UUID) error
		BroadcastDownloadProgress(uuid.UUID) error
		BroadcastDownloadComplete(uuid.UUID) error
	}

	eventKey struct {
		ev event.Event
		id uuid.UUID
	}

	// activityService sits between the event bus and the websocket layer,
	// debouncing the bursty events coming from active transfers so that
	// clients see a steady trickle of updates rather than a flood.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
	}
)

func newActivityService(broadcaster broadcaster, event event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       event,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan,
		event.JobUpdateEvent, event.JobProgressEvent, event.JobCompleteEvent)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	resourceID, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	resourceKey := eventKey{id: resourceID, ev: ev.Event}

	switch ev.Event {
	case event.JobUpdateEvent:
		service.scheduleEventBroadcast(resourceKey, service.BroadcastDownloadUpdate)
	case event.JobProgressEvent:
		service.scheduleRapidEventBroadcast(resourceKey, service.BroadcastDownloadProgress)
	case event.JobCompleteEvent:
		service.scheduleEventBroadcast(resourceKey, service.BroadcastDownloadComplete)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

func (service *activityService) scheduleEventBroadcast(resourceKey eventKey, handler broadcastHandler) {
	service.doScheduleEventBroadcast(resourceKey, handler, debounceDuration, maxTimerDuration)
}

// scheduleRapidEventBroadcast uses tighter timings for events which fire
// many times a second (e.g. transfer progress).
func (service *activityService) scheduleRapidEventBroadcast(resourceKey eventKey, handler broadcastHandler) {
	service.doScheduleEventBroadcast(resourceKey, handler, rapidEventDebounceDuration, rapidEventMaxTimerDuration)
}

func (service *activityService) doScheduleEventBroadcast(resourceKey eventKey, handler broadcastHandler, debounceTime time.Duration, maxTime time.Duration) {
	service.Lock()
	defer service.Unlock()

	broadcaster := func() { service.broadcast(resourceKey, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
	}
	service.debounceTimers[resourceKey] = time.AfterFunc(debounceTime, broadcaster)

	// Set a max timer if not already set
	if _, ok := service.maxTimers[resourceKey]; !ok {
		service.maxTimers[resourceKey] = time.AfterFunc(maxTime, broadcaster)
	}
}

func (service *activityService) broadcast(resourceKey eventKey, handler broadcastHandler) {
	service.Lock()
	defer service.Unlock()

	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
		delete(service.debounceTimers, resourceKey)
	}

	if t, ok := service.maxTimers[resourceKey]; ok {
		t.Stop()
		delete(service.maxTimers, resourceKey)
	}

	if err := handler(resourceKey.id); err != nil {
		log.Emit(logger.ERROR, "Broadcast for %s (event %s) failed: %v\n", resourceKey.id, resourceKey.ev, err)
	}
}
