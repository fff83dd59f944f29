package permit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/ids"
	"ptw.org/internal/obs"
)

// CreateInput carries the fields of a new permit.
type CreateInput struct {
	Site            string
	Turbine         string
	Description     string
	MaintenanceType string
	CrewLeadID      string
	CrewLeadName    string
	Personnel       []Person
	Activities      []Activity
	Risks           []Risk
}

// EditInput replaces the associations of a CREATED permit. A zero
// ExpectedVersion skips the caller-side version check; the store still
// guards against concurrent writers.
type EditInput struct {
	ID              string
	ExpectedVersion int64
	Personnel       []Person
	Activities      []Activity
	Risks           []Risk
}

// ClosureInput is the closure report for an ACTIVE or CLOSURE_REJECTED permit.
type ClosureInput struct {
	PermitID       string
	WorkStart      *time.Time
	WorkEnd        *time.Time
	TurbineStop    *time.Time
	TurbineRestart *time.Time
	Notes          string
	Materials      []Material
}

// Service executes permit transitions.
type Service struct {
	store   Store
	catalog Catalog
	audit   *audit.Recorder
	tracer  trace.Tracer
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures Service.
type Option func(*Service)

// WithCatalog enables site and turbine validation on create.
func WithCatalog(c Catalog) Option { return func(s *Service) { s.catalog = c } }

// WithAudit sets where transition attempts are recorded.
func WithAudit(r *audit.Recorder) Option { return func(s *Service) { s.audit = r } }

// WithTracer overrides the tracer used for transition spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService builds a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tracer: obs.Tracer(),
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in and stores a new CREATED permit numbered for its site.
func (s *Service) Create(ctx context.Context, id auth.Identity, in CreateInput) (p *Permit, err error) {
	ctx, done := s.begin(ctx, TransitionCreate, id, "")
	defer func() { done(p, err, nil) }()

	if err := validateCreate(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p = &Permit{
		ID:              ids.NewAt(now),
		Site:            NormalizeSite(in.Site),
		Turbine:         strings.TrimSpace(in.Turbine),
		Description:     strings.TrimSpace(in.Description),
		MaintenanceType: strings.TrimSpace(in.MaintenanceType),
		CrewLeadID:      strings.TrimSpace(in.CrewLeadID),
		CrewLeadName:    strings.TrimSpace(in.CrewLeadName),
		CreatedBy:       id.Subject,
		Version:         1,
		Personnel:       normalizePersonnel(in.Personnel),
		Activities:      normalizeActivities(in.Activities),
		Risks:           normalizeRisks(in.Risks),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	to, err := authorize(TransitionCreate, id, p)
	if err != nil {
		return nil, err
	}
	p.State = to
	if s.catalog != nil {
		if err := s.catalog.ValidateLocation(ctx, p.Site, p.Turbine); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreatePermit(ctx, p); err != nil {
		return nil, fmt.Errorf("permit: create: %w", err)
	}
	return p.Clone(), nil
}

// Edit replaces the personnel, activities and risks of a CREATED permit.
func (s *Service) Edit(ctx context.Context, id auth.Identity, in EditInput) (p *Permit, err error) {
	ctx, done := s.begin(ctx, TransitionEdit, id, in.ID)
	defer func() { done(p, err, nil) }()

	p, err = s.loadFor(ctx, id, in.ID)
	if err != nil {
		return nil, err
	}
	to, err := authorize(TransitionEdit, id, p)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != p.Version {
		return nil, fmt.Errorf("%w: version %d is stale (current %d)", ErrConflict, in.ExpectedVersion, p.Version)
	}
	fe := fieldErrors{}
	validateAssociations(fe, in.Personnel, in.Activities, in.Risks)
	if err := fe.err(); err != nil {
		return nil, err
	}
	p.State = to
	p.Personnel = normalizePersonnel(in.Personnel)
	p.Activities = normalizeActivities(in.Activities)
	p.Risks = normalizeRisks(in.Risks)
	if err := s.save(ctx, p, SaveOptions{Associations: true}); err != nil {
		return nil, err
	}
	return p, nil
}

// Approve moves a CREATED permit to ACTIVE.
func (s *Service) Approve(ctx context.Context, id auth.Identity, permitID string) (p *Permit, err error) {
	ctx, done := s.begin(ctx, TransitionApprove, id, permitID)
	defer func() { done(p, err, nil) }()

	p, err = s.loadFor(ctx, id, permitID)
	if err != nil {
		return nil, err
	}
	to, err := authorize(TransitionApprove, id, p)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p.State = to
	p.ApprovedBy = id.Subject
	p.ApprovedAt = &now
	if err := s.save(ctx, p, SaveOptions{}); err != nil {
		return nil, err
	}
	return p, nil
}

// SubmitClosure files the closure report. A report filed after a rejection
// replaces the rejected one.
func (s *Service) SubmitClosure(ctx context.Context, id auth.Identity, in ClosureInput) (p *Permit, err error) {
	meta := map[string]string{}
	ctx, done := s.begin(ctx, TransitionSubmitClosure, id, in.PermitID)
	defer func() { done(p, err, meta) }()

	p, err = s.loadFor(ctx, id, in.PermitID)
	if err != nil {
		return nil, err
	}
	to, err := authorize(TransitionSubmitClosure, id, p)
	if err != nil {
		return nil, err
	}
	if err := validateClosure(in); err != nil {
		return nil, err
	}
	if p.Closure != nil && p.Closure.RejectionReason != "" {
		meta["previous_rejection_reason"] = p.Closure.RejectionReason
		meta["previous_rejected_by"] = p.Closure.RejectedBy
	}
	now := s.now().UTC()
	p.State = to
	p.Closure = &Closure{
		WorkStart:      utcPtr(in.WorkStart),
		WorkEnd:        in.WorkEnd.UTC(),
		TurbineStop:    utcPtr(in.TurbineStop),
		TurbineRestart: utcPtr(in.TurbineRestart),
		Notes:          strings.TrimSpace(in.Notes),
		Materials:      normalizeMaterials(in.Materials),
		ClosedBy:       id.Subject,
		ClosedAt:       now,
	}
	if err := s.save(ctx, p, SaveOptions{Closure: true}); err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveClosure accepts a pending closure and closes the permit.
func (s *Service) ApproveClosure(ctx context.Context, id auth.Identity, permitID, notes string) (p *Permit, err error) {
	ctx, done := s.begin(ctx, TransitionApproveClosure, id, permitID)
	defer func() { done(p, err, nil) }()

	p, err = s.loadFor(ctx, id, permitID)
	if err != nil {
		return nil, err
	}
	to, err := authorize(TransitionApproveClosure, id, p)
	if err != nil {
		return nil, err
	}
	if p.Closure == nil || p.Closure.Approved {
		return nil, fmt.Errorf("%w: closure already decided", ErrConflict)
	}
	now := s.now().UTC()
	p.State = to
	p.Closure.Approved = true
	p.Closure.ApprovedBy = id.Subject
	p.Closure.ApprovedAt = &now
	p.Closure.ReviewNotes = strings.TrimSpace(notes)
	if err := s.save(ctx, p, SaveOptions{Closure: true}); err != nil {
		return nil, err
	}
	return p, nil
}

// RejectClosure sends a pending closure back to the crew with a reason.
func (s *Service) RejectClosure(ctx context.Context, id auth.Identity, permitID, reason string) (p *Permit, err error) {
	ctx, done := s.begin(ctx, TransitionRejectClosure, id, permitID)
	defer func() { done(p, err, nil) }()

	p, err = s.loadFor(ctx, id, permitID)
	if err != nil {
		return nil, err
	}
	to, err := authorize(TransitionRejectClosure, id, p)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Fields: map[string]string{"observaciones": "a rejection reason is required"}}
	}
	if p.Closure == nil || p.Closure.Approved {
		return nil, fmt.Errorf("%w: closure already decided", ErrConflict)
	}
	now := s.now().UTC()
	p.State = to
	p.Closure.RejectionReason = reason
	p.Closure.RejectedBy = id.Subject
	p.Closure.RejectedAt = &now
	if err := s.save(ctx, p, SaveOptions{Closure: true}); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a permit the caller may see. Callers without site-wide access
// get ErrForbidden both for permits they may not see and for unknown ids.
func (s *Service) Get(ctx context.Context, id auth.Identity, permitID string) (*Permit, error) {
	p, err := s.loadFor(ctx, id, permitID)
	if err != nil {
		return nil, err
	}
	if !canView(id, p) {
		return nil, ErrForbidden
	}
	return p, nil
}

// List returns the permits matching f that the caller may see.
func (s *Service) List(ctx context.Context, id auth.Identity, f Filter) ([]*Permit, error) {
	f.Site = NormalizeSite(f.Site)
	all, err := s.store.ListPermits(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("permit: list: %w", err)
	}
	out := make([]*Permit, 0, len(all))
	for _, p := range all {
		if canView(id, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// loadFor fetches a permit on behalf of id. Restricted callers get
// ErrForbidden for unknown ids, the same answer as for a permit they may not
// touch.
func (s *Service) loadFor(ctx context.Context, id auth.Identity, permitID string) (*Permit, error) {
	p, err := s.load(ctx, permitID)
	if errors.Is(err, ErrNotFound) && !id.Unrestricted() {
		return nil, ErrForbidden
	}
	return p, err
}

func (s *Service) load(ctx context.Context, permitID string) (*Permit, error) {
	permitID = strings.TrimSpace(permitID)
	if permitID == "" {
		return nil, &ValidationError{Fields: map[string]string{"permisoId": "required"}}
	}
	if !ids.Valid(permitID) {
		return nil, ErrNotFound
	}
	p, err := s.store.GetPermit(ctx, permitID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("permit: load %s: %w", permitID, err)
	}
	return p, nil
}

func (s *Service) save(ctx context.Context, p *Permit, opts SaveOptions) error {
	expected := p.Version
	p.Version++
	p.UpdatedAt = s.now().UTC()
	if err := s.store.SavePermit(ctx, p, expected, opts); err != nil {
		return fmt.Errorf("permit: save %s: %w", p.ID, err)
	}
	return nil
}

// begin opens a span for t and returns the function that closes it, records
// the attempt in the audit log and counts it.
func (s *Service) begin(ctx context.Context, t Transition, id auth.Identity, permitID string) (context.Context, func(*Permit, error, map[string]string)) {
	ctx, span := s.tracer.Start(ctx, string(t), trace.WithAttributes(
		attribute.String("permit.id", permitID),
		attribute.String("actor.id", id.Subject),
	))
	return ctx, func(p *Permit, err error, meta map[string]string) {
		defer span.End()
		outcome := Outcome(err)
		ev := audit.Event{
			ActorID:      id.Subject,
			ActorRole:    id.Role,
			Action:       string(t),
			ResourceType: "permit",
			ResourceID:   permitID,
			Outcome:      outcome,
		}
		if len(meta) > 0 {
			ev.Metadata = meta
		}
		if p != nil {
			ev.ResourceID = p.ID
			if ev.Metadata == nil {
				ev.Metadata = map[string]string{}
			}
			ev.Metadata["numero"] = p.Numero
			ev.Metadata["state"] = string(p.State)
			span.SetAttributes(attribute.String("permit.numero", p.Numero), attribute.String("permit.state", string(p.State)))
		}
		if err != nil {
			ev.Reason = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			if outcome == audit.OutcomeError {
				s.log.Error().Err(err).Str("transition", string(t)).Str("permit_id", permitID).Msg("permit transition failed")
			}
		}
		s.audit.Record(ctx, ev)
		obs.RecordTransition(string(t), outcome)
	}
}

// Outcome classifies a transition error for audit and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case errors.Is(err, ErrForbidden):
		return audit.OutcomeDenied
	case errors.Is(err, ErrValidation):
		return audit.OutcomeInvalid
	case errors.Is(err, ErrConflict):
		return audit.OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return audit.OutcomeNotFound
	default:
		return audit.OutcomeError
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
