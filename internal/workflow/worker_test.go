package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
)

type fakeQueue struct {
	sourceTypes map[int64]string
	finished    map[int64]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		sourceTypes: make(map[int64]string),
		finished:    make(map[int64]string),
	}
}

func (q *fakeQueue) ClaimNextMessage(context.Context, time.Time) (*db.QueueMessage, bool, error) {
	return nil, false, nil
}

func (q *fakeQueue) FinishMessage(_ context.Context, messageID int64, status string, _ time.Time) error {
	q.finished[messageID] = status
	return nil
}

func (q *fakeQueue) ResolveSourceType(_ context.Context, itemID int64) (string, error) {
	sourceType, ok := q.sourceTypes[itemID]
	if !ok {
		return "", db.ErrItemNotFound
	}
	return sourceType, nil
}

func newTestWorker(t *testing.T) (*Worker, *fixture, *fakeQueue) {
	t.Helper()
	f := newFixture(t)
	queue := newFakeQueue()
	worker := NewWorker(queue, f.engine, 2, 10*time.Millisecond, zerolog.Nop())
	return worker, f, queue
}

func itemMessage(t *testing.T, messageID, itemID int64, sourceType string) *db.QueueMessage {
	t.Helper()
	payload, err := json.Marshal(db.ItemProcessPayload{ItemID: itemID, SourceType: sourceType})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &db.QueueMessage{MessageID: messageID, Kind: db.MessageKindItemProcess, Payload: payload}
}

func TestHandleMessageItemProcess(t *testing.T) {
	t.Parallel()

	worker, f, queue := newTestWorker(t)
	seedItem(f, 1, db.SourceTypeWeb)

	worker.handleMessage(context.Background(), itemMessage(t, 11, 1, db.SourceTypeWeb))

	if got := queue.finished[11]; got != db.MessageStatusDone {
		t.Fatalf("message status = %q, want done", got)
	}
	if f.store.enrichmentCalls != 1 {
		t.Fatalf("enrichment writes = %d, want 1", f.store.enrichmentCalls)
	}
}

func TestHandleMessageItemProcessFailure(t *testing.T) {
	t.Parallel()

	worker, f, queue := newTestWorker(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.store.applyEnrichmentErr = errors.New("write failed")

	worker.handleMessage(context.Background(), itemMessage(t, 12, 1, db.SourceTypeWeb))

	if got := queue.finished[12]; got != db.MessageStatusFailed {
		t.Fatalf("message status = %q, want failed", got)
	}
}

func TestHandleMessageVanishedItemFinishesDone(t *testing.T) {
	t.Parallel()

	worker, _, queue := newTestWorker(t)

	worker.handleMessage(context.Background(), itemMessage(t, 13, 404, db.SourceTypeWeb))

	// A vanished item is a terminal no-op, not a delivery failure.
	if got := queue.finished[13]; got != db.MessageStatusDone {
		t.Fatalf("message status = %q, want done", got)
	}
}

func TestHandleMessageBatchIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	worker, f, queue := newTestWorker(t)
	seedItem(f, 1, db.SourceTypeWeb)
	seedItem(f, 2, db.SourceTypeRSS)
	queue.sourceTypes[1] = db.SourceTypeWeb
	queue.sourceTypes[2] = db.SourceTypeRSS

	payload, _ := json.Marshal(db.BatchProcessPayload{ItemIDs: []int64{1, 404, 2}})
	worker.handleMessage(context.Background(), &db.QueueMessage{
		MessageID: 14,
		Kind:      db.MessageKindBatchProcess,
		Payload:   payload,
	})

	if got := queue.finished[14]; got != db.MessageStatusDone {
		t.Fatalf("batch status = %q, one missing item must not fail the batch", got)
	}
	if f.store.enrichmentCalls != 2 {
		t.Fatalf("enrichment writes = %d, want 2", f.store.enrichmentCalls)
	}
}

func TestHandleMessageMalformedPayload(t *testing.T) {
	t.Parallel()

	worker, _, queue := newTestWorker(t)

	worker.handleMessage(context.Background(), &db.QueueMessage{
		MessageID: 15,
		Kind:      db.MessageKindItemProcess,
		Payload:   json.RawMessage(`{"item_id": "not a number"`),
	})

	if got := queue.finished[15]; got != db.MessageStatusFailed {
		t.Fatalf("message status = %q, want failed", got)
	}
}

func TestHandleMessageUnknownKind(t *testing.T) {
	t.Parallel()

	worker, _, queue := newTestWorker(t)

	worker.handleMessage(context.Background(), &db.QueueMessage{
		MessageID: 16,
		Kind:      "item_reindex",
		Payload:   json.RawMessage(`{}`),
	})

	if got := queue.finished[16]; got != db.MessageStatusFailed {
		t.Fatalf("message status = %q, want failed", got)
	}
}
