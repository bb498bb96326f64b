// Package snapshot exports rosters that changed to object storage.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/types"
)

const defaultInterval = 30 * time.Second

var exports = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapshot",
	Name:      "roster_exports_total",
	Help:      "Roster snapshot uploads by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(exports)
}

// Payload is the JSON document stored for one roster.
type Payload struct {
	EventID   types.EventID    `json:"eventId"`
	Positions []types.Position `json:"positions"`
	TakenAt   time.Time        `json:"takenAt"`
}

// Source yields the events changed since the last call and their rosters.
type Source interface {
	TakeDirty() []types.EventID
	EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error)
}

// ObjectStore is the subset of *minio.Client the worker uses.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, name string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Worker periodically uploads the rosters of changed events.
type Worker struct {
	source   Source
	object   ObjectStore
	bucket   string
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	// pending holds events whose last upload failed.
	pending map[types.EventID]struct{}
}

// Option customises a Worker.
type Option func(*Worker)

// WithInterval sets the export period.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWorker constructs a snapshot worker.
func NewWorker(source Source, object ObjectStore, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		source:   source,
		object:   object,
		bucket:   bucket,
		interval: defaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		pending:  make(map[types.EventID]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic export loop. The loop flushes once more when ctx
// ends.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Error().Err(err).Msg("roster snapshot failed")
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(flushCtx); err != nil {
				w.logger.Error().Err(err).Msg("final roster snapshot failed")
			}
			cancel()
			return
		}
	}
}

// Flush uploads every changed roster now. Events that fail are retried on
// the next flush. Flush must not be called concurrently.
func (w *Worker) Flush(ctx context.Context) error {
	if w.object == nil {
		return errors.New("object storage client not configured")
	}
	for _, id := range w.source.TakeDirty() {
		w.pending[id] = struct{}{}
	}
	events := make([]types.EventID, 0, len(w.pending))
	for id := range w.pending {
		events = append(events, id)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })

	var errs []error
	for _, id := range events {
		if err := w.export(ctx, id); err != nil {
			exports.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("event %s: %w", id, err))
			continue
		}
		exports.WithLabelValues("ok").Inc()
		delete(w.pending, id)
	}
	return errors.Join(errs...)
}

func (w *Worker) export(ctx context.Context, eventID types.EventID) error {
	positions, err := w.source.EventPositions(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	payload := Payload{EventID: eventID, Positions: positions, TakenAt: w.now()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := ObjectPath(eventID, payload.TakenAt)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	w.logger.Info().Str("event", string(eventID)).Str("object", objectPath).Int("positions", len(positions)).Msg("roster snapshot stored")
	return nil
}

// ObjectPath names the object holding eventID's roster taken at t.
func ObjectPath(eventID types.EventID, t time.Time) string {
	return fmt.Sprintf("rosters/%s/%d.json", eventID, t.UnixNano())
}

// DecodePayload unmarshals a stored roster snapshot.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
