// Package websocket manages the activity socket: upgrading HTTP requests,
// tracking connected clients, and fanning server-side updates out to them.
package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kjmarlow/hoard/pkg/logger"
)

var log = logger.Get("WebSocket")

// SocketHandler services a single client command received over the socket.
type SocketHandler func(*SocketHub, *SocketMessage) error

// SocketHub owns every live socket connection. All client registration,
// message delivery and command handling is funnelled through the Start
// loop, so none of the hub state needs locking.
type SocketHub struct {
	handlers           map[string]SocketHandler
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	receiveCh          chan *SocketMessage
	connectionCallback func() map[string]any
	running            bool
}

func New() *SocketHub {
	return &SocketHub{
		handlers: make(map[string]SocketHandler),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WithConnectionCallback sets a callback whose result is included in the
// welcome message of each new client, furnishing it with initial state
// without waiting for the next update broadcast.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// BindCommand routes client messages with the given title to a handler.
func (hub *SocketHub) BindCommand(command string, handler SocketHandler) *SocketHub {
	hub.handlers[command] = handler
	return hub
}

// Start runs the hub loop until the context is cancelled, at which point
// every connected client is closed.
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		log.Warnf("Socket hub already running; ignoring start request\n")
		return
	}

	hub.sendCh = make(chan *SocketMessage)
	hub.receiveCh = make(chan *SocketMessage)
	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	defer hub.close()
	for {
		select {
		case message := <-hub.sendCh:
			hub.deliver(message)
		case message := <-hub.receiveCh:
			go hub.handleCommand(message)
		case client := <-hub.registerCh:
			hub.clients = append(hub.clients, client)
			log.Debugf("Registered socket client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				log.Debugf("Deregistered socket client {%v}\n", client.id)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send queues a message for delivery; broadcast when it has no Target.
// Messages are dropped if the hub is not running.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running {
		log.Debugf("Discarding socket message '%s': hub offline\n", message.Title)
		return
	}

	hub.sendCh <- message
}

// UpgradeToSocket promotes an HTTP request to a websocket connection and
// services it until the client disconnects. Blocks for the lifetime of the
// connection.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		log.Errorf("Rejecting socket upgrade: hub has not been started\n")
		return
	}

	id := uuid.New()
	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade request to websocket: %v\n", err)
		return
	}

	client := &socketClient{id: &id, socket: sock}
	hub.registerCh <- client

	body := map[string]any{}
	if hub.connectionCallback != nil {
		body = hub.connectionCallback()
	}
	body["client"] = id

	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &id,
		Type:   Welcome,
	})

	defer func() {
		hub.deregisterCh <- client
		client.Close()
	}()

	if err := client.Read(hub.receiveCh); err != nil {
		log.Debugf("Socket client {%v} closed: %v\n", client.id, err)
	}
}

func (hub *SocketHub) deliver(message *SocketMessage) {
	if message.Target != nil {
		if _, client := hub.findClient(message.Target); client != nil {
			if err := client.SendMessage(message); err != nil {
				log.Errorf("Failed to send message to client {%v}: %v\n", message.Target, err)
			}
		}

		return
	}

	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			log.Errorf("Failed to broadcast to client {%v}: %v\n", client.id, err)
		}
	}
}

func (hub *SocketHub) handleCommand(command *SocketMessage) {
	if command.Type != Command {
		return
	}

	handler, ok := hub.handlers[command.Title]
	if !ok {
		hub.Send(command.FormReply("COMMAND_FAILURE", map[string]any{"error": "unknown command"}, ErrorResponse))
		return
	}

	if err := handler(hub, command); err != nil {
		log.Errorf("Handler for command '%s' failed: %v\n", command.Title, err)
		hub.Send(command.FormReply("COMMAND_FAILURE", map[string]any{"error": err.Error()}, ErrorResponse))
	}
}

func (hub *SocketHub) findClient(id *uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id != nil && id != nil && *client.id == *id {
			return idx, client
		}
	}

	return -1, nil
}

func (hub *SocketHub) close() {
	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	hub.running = false
}
