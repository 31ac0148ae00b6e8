package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// InstrumentedStore wraps a storage.Store implementation with
// OpenTelemetry tracing and metrics instrumentation. Every admission
// check crosses this wrapper several times, so latency histograms here
// are the primary signal for storage-induced request slowness.
type InstrumentedStore struct {
	inner    storage.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore creates a storage wrapper that records trace spans,
// operation latency histograms, and error counters for every store method call.
func NewInstrumentedStore(inner storage.Store) (*InstrumentedStore, error) {
	tracer := otel.Tracer("gatekeeper/storage")
	meter := otel.Meter("gatekeeper/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) CountRequests(ctx context.Context, clientHash string, since time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "CountRequests", attribute.String("client", clientHash))
	start := time.Now()
	result, err := s.inner.CountRequests(ctx, clientHash, since)
	s.record(ctx, span, "CountRequests", start, err)
	return result, err
}

func (s *InstrumentedStore) OldestRequest(ctx context.Context, clientHash string, since time.Time) (time.Time, bool, error) {
	ctx, span := s.startSpan(ctx, "OldestRequest", attribute.String("client", clientHash))
	start := time.Now()
	at, ok, err := s.inner.OldestRequest(ctx, clientHash, since)
	s.record(ctx, span, "OldestRequest", start, err)
	return at, ok, err
}

func (s *InstrumentedStore) RecordRequest(ctx context.Context, clientHash string, at time.Time) error {
	ctx, span := s.startSpan(ctx, "RecordRequest", attribute.String("client", clientHash))
	start := time.Now()
	err := s.inner.RecordRequest(ctx, clientHash, at)
	s.record(ctx, span, "RecordRequest", start, err)
	return err
}

func (s *InstrumentedStore) RecordViolation(ctx context.Context, clientHash string, at time.Time) error {
	ctx, span := s.startSpan(ctx, "RecordViolation", attribute.String("client", clientHash))
	start := time.Now()
	err := s.inner.RecordViolation(ctx, clientHash, at)
	s.record(ctx, span, "RecordViolation", start, err)
	return err
}

func (s *InstrumentedStore) CountViolations(ctx context.Context, clientHash string, since time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "CountViolations", attribute.String("client", clientHash))
	start := time.Now()
	result, err := s.inner.CountViolations(ctx, clientHash, since)
	s.record(ctx, span, "CountViolations", start, err)
	return result, err
}

func (s *InstrumentedStore) GetBan(ctx context.Context, clientHash string) (*models.Ban, error) {
	ctx, span := s.startSpan(ctx, "GetBan", attribute.String("client", clientHash))
	start := time.Now()
	result, err := s.inner.GetBan(ctx, clientHash)
	s.record(ctx, span, "GetBan", start, err)
	return result, err
}

func (s *InstrumentedStore) UpsertBan(ctx context.Context, ban *models.Ban) error {
	ctx, span := s.startSpan(ctx, "UpsertBan",
		attribute.String("client", ban.ClientHash),
		attribute.Int("level", ban.Level),
	)
	start := time.Now()
	err := s.inner.UpsertBan(ctx, ban)
	s.record(ctx, span, "UpsertBan", start, err)
	return err
}

func (s *InstrumentedStore) ActiveBans(ctx context.Context, now time.Time) ([]models.Ban, error) {
	ctx, span := s.startSpan(ctx, "ActiveBans")
	start := time.Now()
	result, err := s.inner.ActiveBans(ctx, now)
	s.record(ctx, span, "ActiveBans", start, err)
	return result, err
}

func (s *InstrumentedStore) LookupAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	ctx, span := s.startSpan(ctx, "LookupAPIKey")
	start := time.Now()
	result, err := s.inner.LookupAPIKey(ctx, keyHash)
	s.record(ctx, span, "LookupAPIKey", start, err)
	return result, err
}

func (s *InstrumentedStore) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	ctx, span := s.startSpan(ctx, "SaveAPIKey", attribute.String("key_id", key.ID))
	start := time.Now()
	err := s.inner.SaveAPIKey(ctx, key)
	s.record(ctx, span, "SaveAPIKey", start, err)
	return err
}

func (s *InstrumentedStore) DeleteClient(ctx context.Context, clientHash string) error {
	ctx, span := s.startSpan(ctx, "DeleteClient", attribute.String("client", clientHash))
	start := time.Now()
	err := s.inner.DeleteClient(ctx, clientHash)
	s.record(ctx, span, "DeleteClient", start, err)
	return err
}

func (s *InstrumentedStore) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "PurgeRequestsBefore")
	start := time.Now()
	result, err := s.inner.PurgeRequestsBefore(ctx, cutoff)
	s.record(ctx, span, "PurgeRequestsBefore", start, err)
	return result, err
}

func (s *InstrumentedStore) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "PurgeViolationsBefore")
	start := time.Now()
	result, err := s.inner.PurgeViolationsBefore(ctx, cutoff)
	s.record(ctx, span, "PurgeViolationsBefore", start, err)
	return result, err
}

func (s *InstrumentedStore) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "PurgeExpiredBans")
	start := time.Now()
	result, err := s.inner.PurgeExpiredBans(ctx, now)
	s.record(ctx, span, "PurgeExpiredBans", start, err)
	return result, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
