package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Runner is the subset of the engine the trigger path needs.
// Satisfied by *engine.Engine.
type Runner interface {
	Create(ctx context.Context, templateRef string, target schema.TargetContext) (*engine.RuntimeInstance, error)
	Start(ctx context.Context, rt *engine.RuntimeInstance) error
}

// TemplateResolver resolves template definitions by reference.
type TemplateResolver interface {
	ResolveTemplate(ctx context.Context, ref string) (*schema.Template, error)
}

// EventAppender records trigger events. Satisfied by the store.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Result is the outcome of a fired trigger. Rejected is set when the
// template's filter condition declined the payload; no runtime exists then.
type Result struct {
	Runtime  *engine.RuntimeInstance
	Rejected bool
	Reason   string
}

// Service is the externally-triggered entry path. A delivered payload is
// validated against the template's schema, resolved into a target context
// through the record getter, gated by the filter condition and finally
// turned into a started runtime.
type Service struct {
	runner    Runner
	templates TemplateResolver
	events    EventAppender
	validator *PayloadValidator
	getter    *expressions.GoJQEngine
	filter    *expressions.CELEngine
	logger    *slog.Logger
}

// NewService creates a trigger Service.
func NewService(runner Runner, templates TemplateResolver, events EventAppender, logger *slog.Logger) (*Service, error) {
	filter, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:    runner,
		templates: templates,
		events:    events,
		validator: NewPayloadValidator(),
		getter:    expressions.NewGoJQEngine(),
		filter:    filter,
		logger:    logger,
	}, nil
}

// Fire processes a trigger payload for the given template. Validation and
// resolution failures surface before any runtime instance exists. A false
// filter condition is not an error: the trigger is rejected and recorded.
func (s *Service) Fire(ctx context.Context, templateRef string, payload map[string]any) (*Result, error) {
	tpl, err := s.templates.ResolveTemplate(ctx, templateRef)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(payload, tpl.PayloadSchema); err != nil {
		return nil, err
	}

	target, err := s.resolveTarget(ctx, tpl, payload)
	if err != nil {
		return nil, err
	}

	pass, err := s.evaluateFilter(ctx, tpl, payload, target)
	if err != nil {
		return nil, err
	}
	if !pass {
		s.logger.InfoContext(ctx, "trigger rejected by filter condition",
			slog.String("template", templateRef))
		s.appendRejection(ctx, templateRef, payload)
		return &Result{Rejected: true, Reason: "filter condition not met"}, nil
	}

	rt, err := s.runner.Create(ctx, templateRef, target)
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		raw, _ := json.Marshal(payload)
		evt := &store.Event{RuntimeID: rt.ID, Type: schema.EventTriggerReceived, Payload: raw}
		if err := s.events.AppendEvent(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "failed to record trigger event",
				slog.String("runtime_id", rt.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := s.runner.Start(ctx, rt); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trigger fired",
		slog.String("template", templateRef),
		slog.String("runtime_id", rt.ID),
		slog.String("runtime_name", rt.Name))

	return &Result{Runtime: rt}, nil
}

// resolveTarget locates the target record in the payload via the template's
// record getter. Templates without a getter read the well-known context keys
// straight from the payload root.
func (s *Service) resolveTarget(ctx context.Context, tpl *schema.Template, payload map[string]any) (schema.TargetContext, error) {
	record := payload
	if tpl.RecordGetter != "" {
		resolved, err := s.getter.EvaluateObject(ctx, tpl.RecordGetter, payload)
		if err != nil {
			return schema.TargetContext{}, err
		}
		record = resolved
	}

	target := schema.TargetContext{
		PartnerID:     stringField(record, schema.CtxPartnerID),
		DiffPartnerID: stringField(record, schema.CtxDiffPartnerID),
		Amount:        floatField(record, schema.CtxAmount),
		CurrencyID:    stringField(record, schema.CtxCurrencyID),
		Date:          stringField(record, schema.CtxDate),
		Reference:     stringField(record, schema.CtxReference),
		CompanyID:     stringField(record, schema.CtxCompanyID),
	}

	if target.PartnerID == "" {
		return schema.TargetContext{}, schema.NewErrorf(schema.ErrCodeResolution,
			"record getter for template %q resolved no %s", tpl.Ref, schema.CtxPartnerID)
	}
	return target, nil
}

func (s *Service) evaluateFilter(ctx context.Context, tpl *schema.Template, payload map[string]any, target schema.TargetContext) (bool, error) {
	if tpl.FilterCondition == "" {
		return true, nil
	}

	now := time.Now().UTC()
	scope := map[string]any{
		"payload": payload,
		"target": map[string]any{
			"partner_id":      target.PartnerID,
			"diff_partner_id": target.DiffPartnerID,
			"amount":          target.Amount,
			"currency_id":     target.CurrencyID,
			"date":            target.Date,
			"reference":       target.Reference,
			"company_id":      target.CompanyID,
		},
		"now": map[string]any{
			"year":  now.Year(),
			"month": int(now.Month()),
			"day":   now.Day(),
		},
	}
	return s.filter.EvaluateBool(ctx, tpl.FilterCondition, scope)
}

// appendRejection records a rejected trigger keyed by the template ref,
// since no runtime instance exists at that point.
func (s *Service) appendRejection(ctx context.Context, templateRef string, payload map[string]any) {
	if s.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	evt := &store.Event{RuntimeID: templateRef, Type: schema.EventTriggerRejected, Payload: raw}
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "failed to record trigger rejection",
			slog.String("template", templateRef),
			slog.String("error", err.Error()))
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
