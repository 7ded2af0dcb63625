package notification

import (
	"context"
	"fmt"
)

// Query is the read side of the Store. It never writes.
type Query struct {
	store Store
}

func NewQuery(store Store) *Query {
	return &Query{store: store}
}

type StatusSummary struct {
	Total  int
	Status map[string]Outcome
}

type RecordList struct {
	Total         int
	Notifications []StatusReport
}

// Status returns the report for one id or an error wrapping ErrStatusNotFound.
func (q *Query) Status(ctx context.Context, messageID string) (StatusReport, error) {
	r, err := q.store.Get(ctx, messageID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("mensagemId %s: %w", messageID, err)
	}
	return r, nil
}

func (q *Query) AllStatus(ctx context.Context) (StatusSummary, error) {
	all, err := q.store.All(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	return StatusSummary{Total: len(all), Status: all}, nil
}

func (q *Query) Notifications(ctx context.Context) (RecordList, error) {
	records, err := q.store.Records(ctx)
	if err != nil {
		return RecordList{}, err
	}
	if records == nil {
		records = []StatusReport{}
	}
	return RecordList{Total: len(records), Notifications: records}, nil
}
