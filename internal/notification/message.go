package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome is the processing state of a WorkItem. Only Succeeded and Failed
// are terminal and travel on the status queue.
type Outcome string

const (
	OutcomePending   Outcome = "PENDENTE"
	OutcomeSucceeded Outcome = "PROCESSADO_SUCESSO"
	OutcomeFailed    Outcome = "FALHA_PROCESSAMENTO"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

func (o Outcome) Valid() bool {
	return o == OutcomePending || o.Terminal()
}

// timestampLayout matches ISO-8601 with millisecond precision in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp normalizes t to the precision carried on the wire.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return Timestamp(t), nil
}

// WorkItem is a submitted unit of work. It is immutable after creation.
type WorkItem struct {
	MessageID   string
	Payload     string
	SubmittedAt time.Time
}

type workItemWire struct {
	MessageID string `json:"mensagemId"`
	Content   string `json:"conteudoMensagem"`
	Timestamp string `json:"timestamp"`
}

func (w WorkItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(workItemWire{
		MessageID: w.MessageID,
		Content:   w.Payload,
		Timestamp: FormatTimestamp(w.SubmittedAt),
	})
}

func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var wire workItemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if strings.TrimSpace(wire.MessageID) == "" {
		return fmt.Errorf("work item: missing mensagemId")
	}
	submittedAt, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return fmt.Errorf("work item %s: %w", wire.MessageID, err)
	}
	*w = WorkItem{
		MessageID:   wire.MessageID,
		Payload:     wire.Content,
		SubmittedAt: submittedAt,
	}
	return nil
}

// StatusReport is the terminal outcome of one WorkItem.
type StatusReport struct {
	MessageID  string
	Outcome    Outcome
	ReportedAt time.Time
}

type statusReportWire struct {
	MessageID string  `json:"mensagemId"`
	Status    Outcome `json:"status"`
	Timestamp string  `json:"timestamp"`
}

func (r StatusReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusReportWire{
		MessageID: r.MessageID,
		Status:    r.Outcome,
		Timestamp: FormatTimestamp(r.ReportedAt),
	})
}

func (r *StatusReport) UnmarshalJSON(data []byte) error {
	var wire statusReportWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if strings.TrimSpace(wire.MessageID) == "" {
		return fmt.Errorf("status report: missing mensagemId")
	}
	if !wire.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, wire.Status)
	}
	reportedAt, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return fmt.Errorf("status report %s: %w", wire.MessageID, err)
	}
	*r = StatusReport{
		MessageID:  wire.MessageID,
		Outcome:    wire.Status,
		ReportedAt: reportedAt,
	}
	return nil
}

func DecodeWorkItem(data []byte) (WorkItem, error) {
	var w WorkItem
	err := json.Unmarshal(data, &w)
	return w, err
}

func DecodeStatusReport(data []byte) (StatusReport, error) {
	var r StatusReport
	err := json.Unmarshal(data, &r)
	return r, err
}
