package ingest

import (
	"strconv"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	pkgkafka "github.com/rafaeelaudibert/federal-worker-blamer/pkg/kafka"
)

// Index event types published on the index events topic.
const (
	EventRecordInserted   = "record_inserted"
	EventRebuildCompleted = "rebuild_completed"
)

// IndexEvent tells downstream readers that the searchable data changed.
type IndexEvent struct {
	EventType string    `json:"event_type"`
	RecordID  uint32    `json:"record_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordInserted builds the event for a delta insert.
func RecordInserted(id uint32, rec *record.Record) pkgkafka.Event {
	return pkgkafka.Event{
		Key: strconv.FormatUint(uint64(id), 10),
		Value: IndexEvent{
			EventType: EventRecordInserted,
			RecordID:  id,
			Name:      rec.Name,
			OK:        true,
			Timestamp: time.Now().UTC(),
		},
	}
}

// RebuildCompleted builds the event for a finished rebuild run, failed or not.
func RebuildCompleted(report *indexer.RebuildReport) pkgkafka.Event {
	fields := make([]string, 0, len(report.Results))
	for _, res := range report.Results {
		fields = append(fields, res.Field.String())
	}
	return pkgkafka.Event{
		Key: report.RunID,
		Value: IndexEvent{
			EventType: EventRebuildCompleted,
			RunID:     report.RunID,
			Fields:    fields,
			OK:        report.OK(),
			Timestamp: time.Now().UTC(),
		},
	}
}
