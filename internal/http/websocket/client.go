package websocket

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	id     *uuid.UUID
	socket *websocket.Conn
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	return client.socket.WriteJSON(message)
}

// Read pumps inbound messages from this client's connection onto the
// provided channel until the connection errors or closes. The caller is
// responsible for deregistering the client afterwards.
func (client *socketClient) Read(receiveCh chan *SocketMessage) error {
	for {
		var received SocketMessage
		if err := client.socket.ReadJSON(&received); err != nil {
			return err
		}

		received.Origin = client.id
		receiveCh <- &received
	}
}

func (client *socketClient) Close() {
	client.socket.Close()
}
