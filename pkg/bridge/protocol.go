package bridge

import (
	"encoding/json"
	"errors"

	"patterm/pkg/event"
	"patterm/pkg/serial"
	"patterm/pkg/session"
)

// Method names accepted on the websocket
const (
	MethodCreateSession     = "createSession"
	MethodCloseSession      = "closeSession"
	MethodDisconnectSession = "disconnectSession"
	MethodReconnectSession  = "reconnectSession"
	MethodWrite             = "write"
	MethodListPorts         = "listPorts"
	MethodGetSessionState   = "getSessionState"
	MethodListSessions      = "listSessions"
	MethodRenameSession     = "renameSession"
)

// Error codes carried in Response.Error
const (
	CodeInvalidRequest   = "invalid_request"
	CodeUnknownMethod    = "unknown_method"
	CodeNotFound         = "not_found"
	CodeNotConnected     = "not_connected"
	CodeConnectionFailed = "connection_failed"
	CodeSessionClosed    = "session_closed"
	CodeBusy             = "busy"
	CodeInternal         = "internal"
)

// Request is a client call
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed call
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Push carries one bus event to the client
type Push struct {
	Event event.Topic `json:"event"`
	Data  any         `json:"data"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

type createParams struct {
	Config serial.SerialConfig `json:"config"`
	Name   string              `json:"name,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

// writeParams accepts raw bytes (base64 in JSON) or text. Text is appended
// after data when both are present.
type writeParams struct {
	ID   string `json:"id"`
	Data []byte `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

type renameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createResult struct {
	ID string `json:"id"`
}

// errorInfo maps a core error onto a wire error
func errorInfo(err error) *ErrorInfo {
	code := CodeInternal
	var connErr *session.ConnectionFailedError
	switch {
	case errors.As(err, &connErr):
		code = CodeConnectionFailed
	case errors.Is(err, session.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrReconnectAborted):
		code = CodeNotConnected
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrManagerClosed):
		code = CodeSessionClosed
	case errors.Is(err, session.ErrBusy):
		code = CodeBusy
	case errors.Is(err, session.ErrNoPriorConfig):
		code = CodeInvalidRequest
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}
