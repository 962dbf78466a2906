package websocket

import "github.com/google/uuid"

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is the envelope for everything passing over the activity
// socket. Id lets a client pair a reply with the command it sent; Origin
// and Target carry the client UUID on the server side only and are never
// serialised.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Id     int               `json:"id"`
	Type   socketMessageType `json:"type"`
	Origin *uuid.UUID        `json:"-"`
	Target *uuid.UUID        `json:"-"`
}

// FormReply builds a new message addressed back at this message's origin,
// carrying over its Id so the client can correlate the exchange.
func (message *SocketMessage) FormReply(title string, body map[string]any, replyType socketMessageType) *SocketMessage {
	if body != nil {
		body["command"] = message.Body
	}

	return &SocketMessage{
		Title:  title,
		Body:   body,
		Id:     message.Id,
		Type:   replyType,
		Target: message.Origin,
	}
}
