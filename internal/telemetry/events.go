package telemetry

import (
	"encoding/json"
	"time"
)

// Kind identifies the sort of lifecycle event being reported.
type Kind string

const (
	KindSessionConnected Kind = "session_connected"
	KindSessionClosed    Kind = "session_closed"
	KindSchemaRenamed    Kind = "schema_renamed"
	KindBytesDropped     Kind = "bytes_dropped"
	KindEgressConnected  Kind = "egress_connected"
	KindEgressBackoff    Kind = "egress_backoff"
)

// Event is the envelope published to the telemetry subject tree. Fields
// beyond Kind/Time are sparse; only those relevant to Kind are populated.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	SenderID   string    `json:"sender_id,omitempty"`
	Experiment string    `json:"experiment,omitempty"`
	Table      string    `json:"table,omitempty"`
	RenamedTo  string    `json:"renamed_to,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	BackoffSec int       `json:"backoff_seconds,omitempty"`
}

// Publish marshals ev and sends it on Keys.Subject. Safe to call whether or
// not telemetry is configured or connected.
func Publish(ev Event) {
	c := GetClient()
	if c == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := Keys.Subject
	if subject == "" {
		subject = "oml.events"
	}
	c.Publish(subject+"."+string(ev.Kind), data)
}
