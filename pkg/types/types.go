package types

import "time"

// Record is one tracked message pending deletion.
type Record struct {
	Seq       int64 `json:"seq,omitempty"`
	OriginID  int64 `json:"origin_id"`
	RecordID  int64 `json:"record_id"`
	CreatedAt int64 `json:"created_at"`
}

// ExpiresAt returns the instant the record becomes eligible for a sweep.
func (r Record) ExpiresAt(lifetime time.Duration) time.Time {
	return time.Unix(r.CreatedAt, 0).Add(lifetime)
}

// Expired reports whether created_at + lifetime <= now at seconds resolution.
func (r Record) Expired(now time.Time, lifetime time.Duration) bool {
	return r.CreatedAt <= Threshold(now, lifetime)
}

// Threshold is the newest created_at that is expired at now.
func Threshold(now time.Time, lifetime time.Duration) int64 {
	return now.Unix() - int64(lifetime/time.Second)
}

// EventKind classifies an inbound event.
type EventKind int

const (
	// EventIgnored is any update that does not create a trackable record.
	EventIgnored EventKind = iota
	// EventMessage is a newly posted message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	default:
		return "ignored"
	}
}

// Marker locates an annotation inside Event.Text. Offset and Length are
// expressed in UTF-16 code units.
type Marker struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Event is one inbound update from the message source.
type Event struct {
	Kind      EventKind `json:"kind"`
	OriginID  int64     `json:"origin_id"`
	RecordID  int64     `json:"record_id"`
	CreatedAt int64     `json:"created_at"`
	Text      string    `json:"text,omitempty"`
	Markers   []Marker  `json:"markers,omitempty"`
}

// Record converts the event into the record that tracks it.
func (e Event) Record() Record {
	return Record{
		OriginID:  e.OriginID,
		RecordID:  e.RecordID,
		CreatedAt: e.CreatedAt,
	}
}

// SweepLog summarizes one sweep for dashboards.
type SweepLog struct {
	ID         string    `json:"id"`
	Removed    int       `json:"removed"`
	Success    bool      `json:"success"`
	ErrorText  string    `json:"error_text,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
