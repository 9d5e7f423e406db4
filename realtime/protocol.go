package realtime

import (
	"encoding/json"

	"github.com/ggoodman/cgm-relay-go/notify"
)

// Client to server events.
const (
	EventAuthorize     = "authorize"
	EventDBAdd         = "dbAdd"
	EventDBUpdate      = "dbUpdate"
	EventDBUpdateUnset = "dbUpdateUnset"
	EventDBRemove      = "dbRemove"
	EventAck           = "ack"
	EventLoadRetro     = "loadRetro"
	EventPing          = "nsping"
)

// Server to client events.
const (
	EventDataUpdate   = "dataUpdate"
	EventRetroUpdate  = "retroUpdate"
	EventClients      = "clients"
	EventClearAlarm   = "clear_alarm"
	EventAlarm        = "alarm"
	EventUrgentAlarm  = "urgent_alarm"
	EventAnnouncement = "announcement"
	EventNotification = "notification"
)

// Precondition failures reported in {result: ...} acknowledgements.
const (
	ResultSuccess         = "success"
	ResultPong            = "pong"
	ResultWrongCollection = "Wrong collection"
	ResultNotAuthorized   = "Not authorized"
	ResultNotPermitted    = "Not permitted"
	ResultMissingID       = "Missing _id"
	ResultStorageError    = "Storage error"
)

// Envelope frames every websocket message. A client that sets Ack on a
// request receives an "ack" envelope carrying the same number.
type Envelope struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Scopes are the capabilities resolved by the authorize handshake.
type Scopes struct {
	Read           bool `json:"read"`
	Write          bool `json:"write"`
	WriteTreatment bool `json:"write_treatment"`
}

// AuthorizeRequest is the authorize payload.
type AuthorizeRequest struct {
	Client  string  `json:"client,omitempty"`
	Secret  string  `json:"secret,omitempty"`
	Token   string  `json:"token,omitempty"`
	History float64 `json:"history,omitempty"`
	From    float64 `json:"from,omitempty"`
	Status  bool    `json:"status,omitempty"`
}

// DBRequest is the payload of dbAdd, dbUpdate, dbUpdateUnset and dbRemove.
type DBRequest struct {
	Collection string         `json:"collection"`
	ID         string         `json:"_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// AckRequest acknowledges an alarm.
type AckRequest struct {
	Level notify.Level `json:"level"`
	Group string       `json:"group"`
	// SilenceTime is in milliseconds.
	SilenceTime float64 `json:"silenceTime"`
}

// PingRequest is the nsping payload.
type PingRequest struct {
	Mills int64 `json:"mills"`
}

// Result is the generic acknowledgement body.
type Result struct {
	Result string `json:"result"`
}

// PongResult answers nsping.
type PongResult struct {
	Result        string  `json:"result"`
	Mills         int64   `json:"mills"`
	Authorization *Scopes `json:"authorization"`
}

// NotificationEvent returns the event name a notification is broadcast
// under.
func NotificationEvent(n notify.Notification) string {
	switch {
	case n.Clear:
		return EventClearAlarm
	case n.Level == notify.Warn:
		return EventAlarm
	case n.Level == notify.Urgent:
		return EventUrgentAlarm
	case n.IsAnnouncement:
		return EventAnnouncement
	default:
		return EventNotification
	}
}
