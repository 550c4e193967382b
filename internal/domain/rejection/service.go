package rejection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lis/lis/internal/domain/laborder"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/events"
	"github.com/lis/lis/pkg/lisapi"
)

const tracerName = "github.com/lis/lis/internal/domain/rejection"

// Metrics receives workflow outcomes. *telemetry.RejectionMetrics satisfies it.
type Metrics interface {
	Rejected(action string)
	Refused(reason string)
	Escalated()
	SampleRejected(recollection bool)
}

type nopMetrics struct{}

func (nopMetrics) Rejected(string)     {}
func (nopMetrics) Refused(string)      {}
func (nopMetrics) Escalated()          {}
func (nopMetrics) SampleRejected(bool) {}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithMetrics(m Metrics) Option            { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option      { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now for rejection timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	tests     laborder.TestRepository
	samples   laborder.SampleRepository
	history   HistoryRepository
	tx        db.Transactor
	limits    Limits
	publisher events.Publisher
	metrics   Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(tests laborder.TestRepository, samples laborder.SampleRepository, history HistoryRepository, tx db.Transactor, limits Limits, opts ...Option) *Service {
	s := &Service{
		tests:   tests,
		samples: samples,
		history: history,
		tx:      tx,
		limits:  limits,
		metrics: nopMetrics{},
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the configured attempt limits.
func (s *Service) Limits() Limits { return s.limits }

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "rejection."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Options returns the follow-up actions currently offered for the test.
func (s *Service) Options(ctx context.Context, orderID uuid.UUID, testCode string) (opts *lisapi.RejectionOptions, err error) {
	ctx, span := s.startSpan(ctx, "options", attribute.String("lis.order_id", orderID.String()), attribute.String("lis.test_code", testCode))
	defer func() { endSpan(span, err) }()

	test, err := s.tests.GetCurrent(ctx, orderID, testCode)
	if err != nil {
		return nil, err
	}
	sample, err := s.samples.GetByID(ctx, test.SampleID)
	if err != nil {
		return nil, err
	}
	opts = BuildOptions(test, sample, s.limits)
	span.SetAttributes(attribute.Bool("lis.escalation_required", opts.EscalationRequired))
	return opts, nil
}

// outcome is what one applied rejection produced.
type outcome struct {
	record  *HistoryRecord
	newTest *laborder.OrderTest
}

// apply rejects test and creates its follow-up. For re-collect, newSample is
// reused when non-nil so a whole-sample rejection creates one new sample.
// It must run inside a transaction with test and sample locked.
func (s *Service) apply(ctx context.Context, test *laborder.OrderTest, sample *laborder.Sample, action lisapi.Action, reason, rejectedBy, source string, newSample **laborder.Sample) (*outcome, error) {
	rt, _ := action.RejectionType()

	test.Status = lisapi.TestStatusRejected
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("reject test: %w", err)
	}

	parent := test.ID
	next := &laborder.OrderTest{
		OrderID:           test.OrderID,
		SampleID:          test.SampleID,
		TestCode:          test.TestCode,
		TestName:          test.TestName,
		Status:            lisapi.TestStatusPending,
		RetestCount:       test.RetestCount,
		RecollectionCount: test.RecollectionCount,
		ParentTestID:      &parent,
	}
	nextSample := sample

	switch action {
	case lisapi.ActionRetestSameSample:
		next.RetestCount++
	case lisapi.ActionRecollectNewSample:
		next.RecollectionCount++
		if !sample.Rejected() {
			if err := s.samples.UpdateStatus(ctx, sample.ID, lisapi.SampleStatusRejected); err != nil {
				return nil, fmt.Errorf("reject sample: %w", err)
			}
			sample.Status = lisapi.SampleStatusRejected
		}
		if newSample == nil || *newSample == nil {
			ns := &laborder.Sample{
				OrderID:    sample.OrderID,
				SampleType: sample.SampleType,
				Status:     lisapi.SampleStatusPendingCollection,
			}
			if err := s.samples.Create(ctx, ns); err != nil {
				return nil, fmt.Errorf("create recollection sample: %w", err)
			}
			if newSample != nil {
				*newSample = ns
			}
			nextSample = ns
		} else {
			nextSample = *newSample
		}
		next.SampleID = nextSample.ID
	}

	if err := s.tests.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("create follow-up test: %w", err)
	}

	newTestID := next.ID
	rec := &HistoryRecord{
		ID:                 uuid.New(),
		OrderID:            test.OrderID,
		TestID:             test.ID,
		SampleID:           sample.ID,
		TestCode:           test.TestCode,
		RejectionType:      rt,
		RejectionReason:    reason,
		Source:             source,
		RejectedBy:         rejectedBy,
		RejectedAt:         s.now().UTC(),
		NewTestID:          &newTestID,
		EscalationRequired: BuildOptions(next, nextSample, s.limits).EscalationRequired,
	}
	if action == lisapi.ActionRecollectNewSample {
		rec.RecollectionRequired = true
		sid := nextSample.ID
		rec.RecollectionSampleID = &sid
	}
	return &outcome{record: rec, newTest: next}, nil
}

func validateRequest(req lisapi.RejectRequest) (lisapi.Action, string, error) {
	reason := strings.TrimSpace(req.RejectionReason)
	if reason == "" {
		return "", "", fmt.Errorf("%w: rejectionReason is required", laborder.ErrValidation)
	}
	action, ok := req.RejectionType.Action()
	if !ok {
		return "", "", fmt.Errorf("%w: invalid rejectionType %q", laborder.ErrValidation, req.RejectionType)
	}
	return action, reason, nil
}

// checkEnabled returns a DisabledError when opts does not allow action.
func checkEnabled(opts *lisapi.RejectionOptions, action lisapi.Action) error {
	rt, _ := action.RejectionType()
	opt := opts.Find(action)
	if opt == nil {
		return &DisabledError{Type: rt, Reason: "action not offered"}
	}
	if !opt.Enabled {
		reason := "action disabled"
		if opt.DisabledReason != nil {
			reason = *opt.DisabledReason
		}
		return &DisabledError{Type: rt, Reason: reason}
	}
	return nil
}

func refusal(err error) string {
	switch {
	case errors.Is(err, laborder.ErrValidation):
		return "invalid"
	case errors.Is(err, laborder.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrActionDisabled):
		return "action_disabled"
	case errors.Is(err, ErrNoActiveTests), errors.Is(err, ErrEscalationNotAllowed):
		return "conflict"
	}
	return "error"
}

// Reject rejects the current result of testCode on the order and schedules
// the follow-up the rejection type asks for. Options are recomputed under
// row locks so concurrent rejections cannot exceed the limits.
func (s *Service) Reject(ctx context.Context, orderID uuid.UUID, testCode string, req lisapi.RejectRequest, rejectedBy string) (res *lisapi.RejectionResult, err error) {
	ctx, span := s.startSpan(ctx, "reject",
		attribute.String("lis.order_id", orderID.String()),
		attribute.String("lis.test_code", testCode),
		attribute.String("lis.rejection_type", string(req.RejectionType)))
	defer func() {
		if err != nil {
			s.metrics.Refused(refusal(err))
		}
		endSpan(span, err)
	}()

	action, reason, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	var out *outcome
	err = s.tx(ctx, func(ctx context.Context) error {
		test, err := s.tests.GetCurrentForUpdate(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		sample, err := s.samples.GetForUpdate(ctx, test.SampleID)
		if err != nil {
			return err
		}
		if err := checkEnabled(BuildOptions(test, sample, s.limits), action); err != nil {
			return err
		}
		out, err = s.apply(ctx, test, sample, action, reason, rejectedBy, SourceResult, nil)
		if err != nil {
			return err
		}
		return s.history.Create(ctx, out.record)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Rejected(string(action))
	s.publish(ctx, s.createdEvent(out, action))
	s.escalateIfRequired(ctx, out, action)

	newTestID := out.newTest.ID.String()
	res = &lisapi.RejectionResult{Action: string(action), NewTestID: &newTestID}
	if action == lisapi.ActionRetestSameSample {
		res.Message = "Retest created"
	} else {
		res.Message = "Recollection requested"
	}
	s.logger.Info().
		Str("order_id", orderID.String()).
		Str("test_code", testCode).
		Str("action", string(action)).
		Str("new_test_id", newTestID).
		Bool("escalation_required", out.record.EscalationRequired).
		Msg("result rejected")
	return res, nil
}

// RejectSample rejects every active test on the sample. With
// requireRecollection each test is re-collected onto one shared new sample;
// otherwise each is retested on the same sample. Either every test is
// rejected or none is.
func (s *Service) RejectSample(ctx context.Context, sampleID uuid.UUID, req lisapi.SampleRejectRequest, rejectedBy string) (err error) {
	ctx, span := s.startSpan(ctx, "reject_sample",
		attribute.String("lis.sample_id", sampleID.String()),
		attribute.Bool("lis.require_recollection", req.RequireRecollection))
	defer func() {
		if err != nil {
			s.metrics.Refused(refusal(err))
		}
		endSpan(span, err)
	}()

	if len(req.Reasons) == 0 {
		return fmt.Errorf("%w: at least one reason is required", laborder.ErrValidation)
	}
	var labels, reasonCodes []string
	for _, r := range req.Reasons {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			return fmt.Errorf("%w: reason code is required", laborder.ErrValidation)
		}
		reasonCodes = append(reasonCodes, code)
		label := strings.TrimSpace(r.Label)
		if label == "" {
			label = code
		}
		labels = append(labels, label)
	}
	reason := strings.Join(labels, "; ")
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		reason += " (" + notes + ")"
	}

	action := lisapi.ActionRetestSameSample
	if req.RequireRecollection {
		action = lisapi.ActionRecollectNewSample
	}

	var outs []*outcome
	err = s.tx(ctx, func(ctx context.Context) error {
		sample, err := s.samples.GetForUpdate(ctx, sampleID)
		if err != nil {
			return err
		}
		tests, err := s.tests.ListActiveBySample(ctx, sampleID)
		if err != nil {
			return err
		}
		if len(tests) == 0 {
			return ErrNoActiveTests
		}
		for _, t := range tests {
			if err := checkEnabled(BuildOptions(t, sample, s.limits), action); err != nil {
				return fmt.Errorf("test %s: %w", t.TestCode, err)
			}
		}
		var shared *laborder.Sample
		for _, t := range tests {
			out, err := s.apply(ctx, t, sample, action, reason, rejectedBy, SourceSample, &shared)
			if err != nil {
				return err
			}
			out.record.ReasonCodes = reasonCodes
			if err := s.history.Create(ctx, out.record); err != nil {
				return err
			}
			outs = append(outs, out)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.SampleRejected(req.RequireRecollection)
	ev := events.Event{
		Type:       events.TypeSampleRejected,
		SiteID:     db.SiteFromContext(ctx),
		SampleID:   sampleID.String(),
		Action:     string(action),
		Reason:     reason,
		RejectedBy: rejectedBy,
		Notes:      req.Notes,
	}
	if len(outs) > 0 {
		ev.OrderID = outs[0].record.OrderID.String()
	}
	s.publish(ctx, ev)
	for _, out := range outs {
		s.metrics.Rejected(string(action))
		s.publish(ctx, s.createdEvent(out, action))
		s.escalateIfRequired(ctx, out, action)
	}
	s.logger.Info().
		Str("sample_id", sampleID.String()).
		Int("tests", len(outs)).
		Bool("require_recollection", req.RequireRecollection).
		Msg("sample rejected")
	return nil
}

// History returns one page of the rejection history of the test, oldest first.
func (s *Service) History(ctx context.Context, orderID uuid.UUID, testCode string, limit, offset int) (recs []lisapi.RejectionHistoryRecord, total int, err error) {
	ctx, span := s.startSpan(ctx, "history", attribute.String("lis.order_id", orderID.String()), attribute.String("lis.test_code", testCode))
	defer func() { endSpan(span, err) }()

	if _, err := s.tests.GetCurrent(ctx, orderID, testCode); err != nil {
		return nil, 0, err
	}
	items, total, err := s.history.ListByTest(ctx, orderID, testCode, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	recs = make([]lisapi.RejectionHistoryRecord, len(items))
	for i, h := range items {
		recs[i] = h.ToAPI()
	}
	return recs, total, nil
}

// Escalate moves the current test to escalated. It is only allowed once no
// follow-up action is left.
func (s *Service) Escalate(ctx context.Context, orderID uuid.UUID, testCode, note, escalatedBy string) (res *lisapi.RejectionResult, err error) {
	ctx, span := s.startSpan(ctx, "escalate", attribute.String("lis.order_id", orderID.String()), attribute.String("lis.test_code", testCode))
	defer func() { endSpan(span, err) }()

	var test *laborder.OrderTest
	err = s.tx(ctx, func(ctx context.Context) error {
		t, err := s.tests.GetCurrentForUpdate(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		sample, err := s.samples.GetForUpdate(ctx, t.SampleID)
		if err != nil {
			return err
		}
		if t.Terminal() || !BuildOptions(t, sample, s.limits).EscalationRequired {
			return ErrEscalationNotAllowed
		}
		t.Status = lisapi.TestStatusEscalated
		if err := s.tests.Update(ctx, t); err != nil {
			return err
		}
		test = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:       events.TypeTestEscalated,
		SiteID:     db.SiteFromContext(ctx),
		OrderID:    orderID.String(),
		TestCode:   testCode,
		SampleID:   test.SampleID.String(),
		RejectedBy: escalatedBy,
		Notes:      note,
		Escalated:  true,
	})
	s.logger.Warn().Str("order_id", orderID.String()).Str("test_code", testCode).Str("by", escalatedBy).Msg("test escalated")
	return &lisapi.RejectionResult{Action: "escalate", Message: "Test escalated"}, nil
}

func (s *Service) createdEvent(out *outcome, action lisapi.Action) events.Event {
	rec := out.record
	return events.Event{
		Type:          events.TypeRejectionCreated,
		OrderID:       rec.OrderID.String(),
		TestCode:      rec.TestCode,
		SampleID:      rec.SampleID.String(),
		RejectionID:   rec.ID.String(),
		RejectionType: string(rec.RejectionType),
		Action:        string(action),
		Reason:        rec.RejectionReason,
		RejectedBy:    rec.RejectedBy,
		NewTestID:     out.newTest.ID.String(),
		Escalated:     rec.EscalationRequired,
		OccurredAt:    rec.RejectedAt,
	}
}

// escalateIfRequired announces a follow-up test that has no action left
// should it fail again.
func (s *Service) escalateIfRequired(ctx context.Context, out *outcome, action lisapi.Action) {
	if !out.record.EscalationRequired {
		return
	}
	s.metrics.Escalated()
	ev := s.createdEvent(out, action)
	ev.Type = events.TypeRejectionEscalated
	s.publish(ctx, ev)
	s.logger.Warn().
		Str("order_id", ev.OrderID).
		Str("test_code", ev.TestCode).
		Str("new_test_id", ev.NewTestID).
		Msg("follow-up attempts exhausted, escalation required on next failure")
}

// publish is best effort. The rejection is already committed.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if ev.SiteID == "" {
		ev.SiteID = db.SiteFromContext(ctx)
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type).Msg("publish workflow event")
	}
}
