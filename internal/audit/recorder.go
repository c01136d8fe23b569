package audit

import (
	"context"
	"log/slog"

	"github.com/latticehq/lattice/internal/eventstore"
)

// Saver is the event-store surface the recorder needs.
type Saver interface {
	SaveForAudit(ctx context.Context, p eventstore.SaveParams) (*eventstore.Event, error)
}

// Recorder drains queued audit records into the event store from a single
// background goroutine. Enqueue never blocks the request path; when the
// queue is full the record is dropped and counted against the caller's log.
type Recorder struct {
	queue chan Record
	saver Saver
	log   *slog.Logger
}

func NewRecorder(saver Saver, log *slog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		queue: make(chan Record, queueSize),
		saver: saver,
		log:   log,
	}
}

// Start launches the drain loop. It drains remaining records before
// returning when ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case rec := <-r.queue:
						r.persist(context.Background(), rec)
					default:
						return
					}
				}
			case rec := <-r.queue:
				r.persist(ctx, rec)
			}
		}
	}()
}

// Enqueue queues a record for persistence. Returns false if the queue is
// full and the record was dropped.
func (r *Recorder) Enqueue(rec Record) bool {
	select {
	case r.queue <- rec:
		return true
	default:
		r.log.Warn("audit queue full, record dropped", "action", rec.Action, "subject", rec.Subject)
		return false
	}
}

func (r *Recorder) persist(ctx context.Context, rec Record) {
	ev, err := r.saver.SaveForAudit(ctx, eventstore.SaveParams{
		AggregateID:    rec.Subject,
		AggregateType:  rec.SubjectType,
		EventType:      string(rec.Action),
		Data:           rec.Payload,
		OrganizationID: rec.OrganizationID,
		UserID:         rec.UserID,
		SessionID:      rec.SessionID,
		CorrelationID:  rec.CorrelationID,
	})
	if err != nil {
		r.log.Error("audit record persist failed", "action", rec.Action, "subject", rec.Subject, "err", err)
		return
	}
	if ev == nil {
		// Unattributable record, skipped by the store. Kept visible in the
		// log because it usually means the caller lost the subject ID.
		r.log.Warn("audit record without subject skipped", "action", rec.Action)
	}
}
