package relay

import "encoding/json"

// Frame types exchanged over the persistent message-oriented connection.
const (
	FrameAuth        = "AUTH"
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FramePublish     = "PUBLISH"
	FrameMessage     = "MESSAGE"
	FrameSuccess     = "SUCCESS"
	FrameError       = "ERROR"
	FramePing        = "PING"
	FramePong        = "PONG"
)

// Error codes carried in ERROR frames.
const (
	CodeAuthFailed   = "auth_failed"
	CodeAuthRequired = "authentication_required"
	CodeForbidden    = "not_authorized"
	CodeBadRequest   = "bad_request"
	CodeBusError     = "bus_error"
)

// Frame is one JSON message on the wire. Fields are populated depending on
// Type; unused fields are omitted.
type Frame struct {
	Type         string          `json:"type"`
	Credential   string          `json:"credential,omitempty"`
	DeclaredRole string          `json:"declaredRole,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Code         string          `json:"code,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ErrorFrame builds an ERROR frame with the given code and description.
func ErrorFrame(code, msg string) Frame {
	return Frame{Type: FrameError, Code: code, Error: msg}
}

// MessageFrame builds the MESSAGE frame fanned out to subscribers.
func MessageFrame(channel string, payload []byte) Frame {
	return Frame{Type: FrameMessage, Channel: channel, Message: payload}
}
