package changestream

import (
	"time"

	"github.com/erlorenz/rtmux/realtime"
)

// changeRecord is the JSON shape of a change, shared by the Postgres
// trigger and the websocket "postgres_changes" data field.
type changeRecord struct {
	Schema          string             `json:"schema"`
	Table           string             `json:"table"`
	Type            realtime.EventType `json:"type"`
	CommitTimestamp string             `json:"commit_timestamp"`
	Record          map[string]any     `json:"record"`
	OldRecord       map[string]any     `json:"old_record"`
	Errors          []string           `json:"errors"`
}

func (r changeRecord) payload() realtime.Payload {
	p := realtime.Payload{
		EventType: r.Type,
		Schema:    r.Schema,
		Table:     r.Table,
		New:       r.Record,
		Old:       r.OldRecord,
		Errors:    r.Errors,
	}
	if p.New == nil {
		p.New = map[string]any{}
	}
	if p.Old == nil {
		p.Old = map[string]any{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.CommitTimestamp); err == nil {
		p.CommitTimestamp = ts
	}
	return p
}

func recordFromPayload(p realtime.Payload) changeRecord {
	r := changeRecord{
		Schema: p.Schema,
		Table:  p.Table,
		Type:   p.EventType,
		Errors: p.Errors,
	}
	if r.Schema == "" {
		r.Schema = realtime.DefaultSchema
	}
	if p.EventType != realtime.EventDelete {
		r.Record = p.New
	}
	if p.EventType != realtime.EventInsert {
		r.OldRecord = p.Old
	}
	ts := p.CommitTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r.CommitTimestamp = ts.UTC().Format(time.RFC3339Nano)
	return r
}
