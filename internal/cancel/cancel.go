// Package cancel implements the operator cancellation side channel: confirm
// with the operator, delete the upstream document, report the result.
//
// The flow never touches reconciler state. Removal of the overlay is left to
// the change event that follows the delete.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/dispatch-monitor/internal/audit"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/model"
	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

const tracerName = "github.com/signalsfoundry/dispatch-monitor/internal/cancel"

var (
	// ErrPromptNotFound is returned when answering an unknown or already
	// resolved prompt.
	ErrPromptNotFound = errors.New("cancel: prompt not found")
	// ErrPromptExpired is returned when a prompt timed out before an answer.
	ErrPromptExpired = errors.New("cancel: prompt expired")
)

// Outcome is the result of one cancellation attempt.
type Outcome string

const (
	Confirmed Outcome = "confirmed"
	Declined  Outcome = "declined"
	Expired   Outcome = "expired"
	Failed    Outcome = "failed"
)

// Prompt is what the operator is asked to confirm.
type Prompt struct {
	Collection string
	Key        string
	Text       string
}

// Confirmer asks the operator a yes/no question and suspends until answered.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// Deleter removes an upstream document.
type Deleter interface {
	DeleteEntity(ctx context.Context, collection, key string) error
}

// AuditRecorder persists cancellation attempts.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Metrics counts outcomes.
type Metrics interface {
	RecordCancellation(outcome string)
}

// Service runs cancellations.
type Service struct {
	confirm       Confirmer
	deleter       Deleter
	notifier      notify.Notifier
	audit         AuditRecorder
	metrics       Metrics
	log           logging.Logger
	clock         timectrl.Clock
	deleteTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets where results are shown.
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithAudit sets the audit log.
func WithAudit(a AuditRecorder) Option { return func(s *Service) { s.audit = a } }

// WithMetrics sets the outcome counter.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock sets the clock used for audit timestamps.
func WithClock(c timectrl.Clock) Option { return func(s *Service) { s.clock = c } }

// WithDeleteTimeout bounds the delete call. Zero means no bound beyond ctx.
func WithDeleteTimeout(d time.Duration) Option { return func(s *Service) { s.deleteTimeout = d } }

// NewService wires a Service.
func NewService(confirm Confirmer, deleter Deleter, opts ...Option) *Service {
	s := &Service{
		confirm:  confirm,
		deleter:  deleter,
		notifier: notify.Discard,
		log:      logging.Noop(),
		clock:    timectrl.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PromptText is the question shown for a cancellation.
func PromptText(collection, key string) string {
	return fmt.Sprintf("Cancel %s %s?", singular(collection), key)
}

// Cancel asks the operator to confirm and, if confirmed, deletes the
// document. Declined and expired prompts are not errors.
func (s *Service) Cancel(ctx context.Context, collection, key string) (Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cancel.Cancel", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("entity_id", key),
	))
	defer span.End()

	log := logging.FromContext(ctx, s.log).With(logging.Collection(collection), logging.String("key", key))

	outcome, detail, err := s.run(ctx, log, collection, key)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		s.metrics.RecordCancellation(string(outcome))
	}
	if s.audit != nil {
		entry := audit.Entry{
			At:         s.clock.Now(),
			Collection: collection,
			Key:        key,
			Outcome:    string(outcome),
			Detail:     detail,
			RequestID:  logging.RequestIDFromContext(ctx),
		}
		if aerr := s.audit.Record(context.WithoutCancel(ctx), entry); aerr != nil {
			log.Warn(ctx, "cancel: audit write failed", logging.Err(aerr))
		}
	}
	log.Info(ctx, "cancel: finished", logging.String("outcome", string(outcome)))
	return outcome, err
}

func (s *Service) run(ctx context.Context, log logging.Logger, collection, key string) (Outcome, string, error) {
	ok, err := s.confirm.Confirm(ctx, Prompt{Collection: collection, Key: key, Text: PromptText(collection, key)})
	switch {
	case errors.Is(err, ErrPromptExpired):
		return Expired, "", nil
	case err != nil:
		return Failed, err.Error(), fmt.Errorf("confirm: %w", err)
	case !ok:
		return Declined, "", nil
	}

	dctx := ctx
	if s.deleteTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.deleteTimeout)
		defer cancel()
	}
	if err := s.deleter.DeleteEntity(dctx, collection, key); err != nil {
		log.Warn(ctx, "cancel: delete failed", logging.Err(err))
		s.notifier.Notify(notify.Notification{
			Level:      notify.LevelError,
			Text:       err.Error(),
			Collection: collection,
			Keys:       []string{key},
		})
		return Failed, err.Error(), err
	}

	s.notifier.Notify(notify.Notification{
		Level:      notify.LevelSuccess,
		Text:       fmt.Sprintf("%s %s cancelled", capitalize(singular(collection)), key),
		Collection: collection,
		Keys:       []string{key},
	})
	return Confirmed, "", nil
}

func singular(collection string) string {
	switch collection {
	case model.CollectionOrders:
		return "order"
	case model.CollectionCustomers:
		return "customer"
	case model.CollectionRiders:
		return "rider"
	default:
		return collection
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
