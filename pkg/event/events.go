// Package event carries session lifecycle and data notifications from the core
// to any number of independent consumers.
package event

import "time"

// Topic names an event kind on the bus
type Topic string

const (
	TopicSessionCreated      Topic = "session:created"
	TopicSessionConnected    Topic = "session:connected"
	TopicSessionDisconnected Topic = "session:disconnected"
	TopicSessionClosed       Topic = "session:closed"
	TopicSessionData         Topic = "session:data"
	TopicSessionRateUpdated  Topic = "session:rateUpdated"
	TopicSessionError        Topic = "session:error"
	TopicSessionRenamed      Topic = "session:renamed"
)

// AllTopics lists every topic the core publishes.
var AllTopics = []Topic{
	TopicSessionCreated,
	TopicSessionConnected,
	TopicSessionDisconnected,
	TopicSessionClosed,
	TopicSessionData,
	TopicSessionRateUpdated,
	TopicSessionError,
	TopicSessionRenamed,
}

// Direction of a data chunk relative to the application
type Direction string

const (
	DirectionRX Direction = "rx"
	DirectionTX Direction = "tx"
)

// Event is implemented by every payload published on the bus
type Event interface {
	Topic() Topic
	SessionID() string
}

type SessionCreated struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (e SessionCreated) Topic() Topic      { return TopicSessionCreated }
func (e SessionCreated) SessionID() string { return e.ID }

type SessionConnected struct {
	ID string `json:"id"`
}

func (e SessionConnected) Topic() Topic      { return TopicSessionConnected }
func (e SessionConnected) SessionID() string { return e.ID }

type SessionDisconnected struct {
	ID string `json:"id"`
}

func (e SessionDisconnected) Topic() Topic      { return TopicSessionDisconnected }
func (e SessionDisconnected) SessionID() string { return e.ID }

type SessionClosed struct {
	ID string `json:"id"`
}

func (e SessionClosed) Topic() Topic      { return TopicSessionClosed }
func (e SessionClosed) SessionID() string { return e.ID }

// SessionData is one chunk read from or written to a transport. Bytes must not
// be modified by subscribers; every subscriber shares the same slice.
type SessionData struct {
	ID        string    `json:"id"`
	Bytes     []byte    `json:"bytes"`
	Direction Direction `json:"direction"`
	At        time.Time `json:"at"`
}

func (e SessionData) Topic() Topic      { return TopicSessionData }
func (e SessionData) SessionID() string { return e.ID }

// SessionRateUpdated reports freshly computed throughput in bytes per second.
type SessionRateUpdated struct {
	ID     string  `json:"id"`
	RxRate float64 `json:"rxRate"`
	TxRate float64 `json:"txRate"`
}

func (e SessionRateUpdated) Topic() Topic      { return TopicSessionRateUpdated }
func (e SessionRateUpdated) SessionID() string { return e.ID }

type SessionError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e SessionError) Topic() Topic      { return TopicSessionError }
func (e SessionError) SessionID() string { return e.ID }

type SessionRenamed struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (e SessionRenamed) Topic() Topic      { return TopicSessionRenamed }
func (e SessionRenamed) SessionID() string { return e.ID }
