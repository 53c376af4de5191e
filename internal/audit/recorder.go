package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phone-auth-service/internal/bucketing"
	"phone-auth-service/internal/models"
	"phone-auth-service/internal/util"
)

const defaultSinkTimeout = 2 * time.Second

// Sink stores audit events somewhere durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, event models.AuthEvent) error
}

// Recorder stamps events and fans them out to every sink concurrently. Sink
// failures are logged and never reach the caller. A nil *Recorder drops
// events.
type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(buckets *bucketing.BucketingManager, logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = util.Get()
	}
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		logger:  logger,
		timeout: defaultSinkTimeout,
		now:     time.Now,
	}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Recorder) Record(ctx context.Context, event models.AuthEvent) {
	if r == nil || len(r.sinks) == 0 {
		return
	}

	r.stamp(&event)

	// Detached from the request so a client disconnect does not drop the event.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(writeCtx, event); err != nil {
				r.logger.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(event.EventType)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Recorder) stamp(event *models.AuthEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = r.now().UTC()
	}
	if event.Phone != "" {
		event.Phone = util.MaskPhone(event.Phone)
	}

	key := event.AccountID
	if key == "" {
		key = event.Phone
	}
	if r.buckets != nil {
		event.EventBucket = r.buckets.EventBucket(key)
		event.EventDate = r.buckets.DateBucket(event.EventTime)
	} else {
		event.EventDate = event.EventTime.UTC().Format("2006-01-02")
	}
}
