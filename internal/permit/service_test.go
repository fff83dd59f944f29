package permit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
	"ptw.org/internal/store/memory"
)

var (
	admin      = auth.Identity{Subject: "u-admin", Role: auth.RoleAdmin}
	supervisor = auth.Identity{Subject: "u-sup", Role: auth.RoleSupervisor, Sites: []string{"ALPHA", "BRAVO"}}
	lead       = auth.Identity{Subject: "u-lead", Role: auth.RoleTechnician, Sites: []string{"ALPHA", "BRAVO"}}
	crew       = auth.Identity{Subject: "u-crew", Role: auth.RoleTechnician}
	outsider   = auth.Identity{Subject: "u-out", Role: auth.RoleTechnician, Sites: []string{"ALPHA"}}
)

func newService(t *testing.T) (*permit.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	svc := permit.NewService(store,
		permit.WithAudit(audit.NewRecorder(audit.StoreSink{Store: store}, zerolog.Nop())),
		permit.WithClock(func() time.Time { return clock }),
	)
	return svc, store
}

func createInput(site string) permit.CreateInput {
	return permit.CreateInput{
		Site:            site,
		Turbine:         "WTG-07",
		Description:     "Cambio de multiplicadora",
		MaintenanceType: "correctivo",
		CrewLeadID:      "u-lead",
		CrewLeadName:    "Jefa de faena",
		Personnel:       []permit.Person{{PersonID: "u-crew", Name: "Tecnico"}},
		Activities:      []permit.Activity{{Description: "Bloqueo"}, {Description: "Desmontaje"}},
		Risks:           []permit.Risk{{RiskID: "R-12", Description: "Trabajo en altura", Control: "Arnes"}},
	}
}

func ts(h int) *time.Time {
	t := time.Date(2024, 5, 2, h, 0, 0, 0, time.UTC)
	return &t
}

func TestCreateNumbersPerSite(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a1, err := svc.Create(ctx, lead, createInput("alpha"))
	require.NoError(t, err)
	a2, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	b1, err := svc.Create(ctx, lead, createInput("BRAVO"))
	require.NoError(t, err)

	require.Equal(t, "ALPHA-0001", a1.Numero)
	require.Equal(t, "ALPHA-0002", a2.Numero)
	require.Equal(t, "BRAVO-0001", b1.Numero)
	require.Equal(t, permit.StateCreated, a1.State)
	require.Equal(t, int64(1), a1.Version)
	require.Equal(t, []int{1, 2}, []int{a1.Activities[0].Order, a1.Activities[1].Order})
}

func TestCreateConcurrentNumbersAreUnique(t *testing.T) {
	svc, _ := newService(t)
	var wg sync.WaitGroup
	numbers := make(chan string, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Create(context.Background(), lead, createInput("ALPHA"))
			if err == nil {
				numbers <- p.Numero
			}
		}()
	}
	wg.Wait()
	close(numbers)
	seen := map[string]bool{}
	for n := range numbers {
		require.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
	require.Len(t, seen, 20)
	require.True(t, seen["ALPHA-0020"])
}

func TestCreateValidation(t *testing.T) {
	svc, store := newService(t)
	in := createInput("")
	in.Description = " "
	in.Personnel = nil

	_, err := svc.Create(context.Background(), lead, in)
	require.ErrorIs(t, err, permit.ErrValidation)
	var ve *permit.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "planta")
	require.Contains(t, ve.Fields, "descripcion")
	require.Contains(t, ve.Fields, "personal")

	list, err := store.ListPermits(context.Background(), permit.Filter{})
	require.NoError(t, err)
	require.Empty(t, list)

	events := store.AuditEvents()
	require.Len(t, events, 1)
	require.Equal(t, audit.OutcomeInvalid, events[0].Outcome)
}

func TestCreateByTechnicianWithoutSites(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	newcomer := auth.Identity{Subject: "u-new", Role: auth.RoleTechnician}

	p, err := svc.Create(ctx, newcomer, createInput("ALPHA"))
	require.NoError(t, err)
	require.Equal(t, "ALPHA-0001", p.Numero)
	require.Equal(t, "u-new", p.CreatedBy)

	got, err := svc.Get(ctx, newcomer, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = svc.Create(ctx, auth.Identity{}, createInput("ALPHA"))
	require.ErrorIs(t, err, permit.ErrForbidden)
}

func TestTransitionsHideExistenceFromRestrictedCallers(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("BRAVO"))
	require.NoError(t, err)

	_, existing := svc.Approve(ctx, outsider, p.ID)
	_, missing := svc.Approve(ctx, outsider, "01J0000000000000000000ZZZZ")
	require.ErrorIs(t, existing, permit.ErrForbidden)
	require.ErrorIs(t, missing, permit.ErrForbidden)
	require.Equal(t, existing.Error(), missing.Error())

	_, err = svc.RejectClosure(ctx, outsider, "01J0000000000000000000ZZZZ", "late")
	require.ErrorIs(t, err, permit.ErrForbidden)
	_, err = svc.Edit(ctx, outsider, permit.EditInput{ID: "not-a-ulid"})
	require.ErrorIs(t, err, permit.ErrForbidden)

	_, err = svc.Approve(ctx, admin, "01J0000000000000000000ZZZZ")
	require.ErrorIs(t, err, permit.ErrNotFound)
}

func TestMalformedIDIsNotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), admin, "../../etc/passwd")
	require.ErrorIs(t, err, permit.ErrNotFound)

	_, err = svc.Approve(context.Background(), admin, " ")
	require.ErrorIs(t, err, permit.ErrValidation)
}

func TestCreateWithCatalog(t *testing.T) {
	store := memory.New()
	store.AddSite("ALPHA", "WTG-07")
	svc := permit.NewService(store, permit.WithCatalog(store))

	_, err := svc.Create(context.Background(), admin, createInput("ALPHA"))
	require.NoError(t, err)

	in := createInput("ALPHA")
	in.Turbine = "WTG-99"
	_, err = svc.Create(context.Background(), admin, in)
	require.ErrorIs(t, err, permit.ErrValidation)

	_, err = svc.Create(context.Background(), admin, createInput("ZULU"))
	require.ErrorIs(t, err, permit.ErrValidation)
}

func TestEditReplacesAssociations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)

	edited, err := svc.Edit(ctx, lead, permit.EditInput{
		ID:              p.ID,
		ExpectedVersion: p.Version,
		Personnel:       []permit.Person{{PersonID: "u-other", Name: "Otro"}},
		Activities:      []permit.Activity{{Description: "Solo una"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), edited.Version)
	require.Len(t, edited.Personnel, 1)
	require.Equal(t, "u-other", edited.Personnel[0].PersonID)
	require.Empty(t, edited.Risks)

	got, err := svc.Get(ctx, admin, p.ID)
	require.NoError(t, err)
	require.Equal(t, edited.Personnel, got.Personnel)
	require.Equal(t, "Cambio de multiplicadora", got.Description)

	_, err = svc.Edit(ctx, lead, permit.EditInput{ID: p.ID, ExpectedVersion: 1, Personnel: edited.Personnel})
	require.ErrorIs(t, err, permit.ErrConflict)

	_, err = svc.Edit(ctx, outsider, permit.EditInput{ID: p.ID, Personnel: edited.Personnel})
	require.ErrorIs(t, err, permit.ErrForbidden)
}

func TestApproveOnlyFromCreated(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, supervisor, p.ID)
	require.NoError(t, err)
	require.Equal(t, permit.StateActive, approved.State)
	require.Equal(t, "u-sup", approved.ApprovedBy)

	_, err = svc.Approve(ctx, admin, p.ID)
	require.ErrorIs(t, err, permit.ErrConflict)

	got, err := svc.Get(ctx, admin, p.ID)
	require.NoError(t, err)
	require.Equal(t, permit.StateActive, got.State)
	require.Equal(t, approved.Version, got.Version)
	require.Equal(t, "u-sup", got.ApprovedBy)

	_, err = svc.Approve(ctx, admin, "missing")
	require.ErrorIs(t, err, permit.ErrNotFound)
}

func TestSubmitClosureByUnrelatedUserIsForbidden(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, p.ID)
	require.NoError(t, err)

	_, err = svc.SubmitClosure(ctx, outsider, permit.ClosureInput{PermitID: p.ID, WorkEnd: ts(17)})
	require.ErrorIs(t, err, permit.ErrForbidden)

	got, err := svc.Get(ctx, admin, p.ID)
	require.NoError(t, err)
	require.Equal(t, permit.StateActive, got.State)
	require.Nil(t, got.Closure)
}

func TestSubmitClosureValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, p.ID)
	require.NoError(t, err)

	_, err = svc.SubmitClosure(ctx, lead, permit.ClosureInput{PermitID: p.ID})
	var ve *permit.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "fechaFinTrabajos")

	_, err = svc.SubmitClosure(ctx, lead, permit.ClosureInput{PermitID: p.ID, WorkStart: ts(18), WorkEnd: ts(9)})
	require.ErrorIs(t, err, permit.ErrValidation)
}

func TestClosureLifecycleScenario(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	require.Equal(t, "ALPHA-0001", p.Numero)

	p, err = svc.Approve(ctx, admin, p.ID)
	require.NoError(t, err)
	require.Equal(t, permit.StateActive, p.State)

	p, err = svc.SubmitClosure(ctx, crew, permit.ClosureInput{
		PermitID:  p.ID,
		WorkStart: ts(8),
		WorkEnd:   ts(17),
		Notes:     "Sin novedad",
		Materials: []permit.Material{{Description: "Aceite", Quantity: 20, Unit: "l"}},
	})
	require.NoError(t, err)
	require.Equal(t, permit.StateClosedPending, p.State)

	_, err = svc.RejectClosure(ctx, supervisor, p.ID, "  ")
	require.ErrorIs(t, err, permit.ErrValidation)

	p, err = svc.RejectClosure(ctx, supervisor, p.ID, "missing signature")
	require.NoError(t, err)
	require.Equal(t, permit.StateClosureRejected, p.State)
	require.Equal(t, "missing signature", p.Closure.RejectionReason)

	p, err = svc.SubmitClosure(ctx, lead, permit.ClosureInput{
		PermitID: p.ID,
		WorkEnd:  ts(18),
		Notes:    "Firmado",
	})
	require.NoError(t, err)
	require.Equal(t, permit.StateClosedPending, p.State)
	require.Empty(t, p.Closure.RejectionReason)
	require.Equal(t, "Firmado", p.Closure.Notes)
	require.Empty(t, p.Closure.Materials)
	require.Equal(t, "u-lead", p.Closure.ClosedBy)

	_, err = svc.ApproveClosure(ctx, lead, p.ID, "")
	require.ErrorIs(t, err, permit.ErrForbidden)

	p, err = svc.ApproveClosure(ctx, supervisor, p.ID, "ok")
	require.NoError(t, err)
	require.Equal(t, permit.StateClosed, p.State)
	require.True(t, p.Closure.Approved)
	require.Equal(t, "u-sup", p.Closure.ApprovedBy)

	_, err = svc.ApproveClosure(ctx, supervisor, p.ID, "")
	require.ErrorIs(t, err, permit.ErrConflict)

	var resubmit *audit.Event
	for _, ev := range store.AuditEvents() {
		if ev.Action == string(permit.TransitionSubmitClosure) && ev.Metadata["previous_rejection_reason"] != "" {
			resubmit = &ev
		}
	}
	require.NotNil(t, resubmit)
	require.Equal(t, "missing signature", resubmit.Metadata["previous_rejection_reason"])
	require.Equal(t, audit.OutcomeSuccess, resubmit.Outcome)
}

func TestGetHidesExistenceFromRestrictedCallers(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("BRAVO"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, outsider, p.ID)
	require.ErrorIs(t, err, permit.ErrForbidden)
	_, err = svc.Get(ctx, outsider, "does-not-exist")
	require.ErrorIs(t, err, permit.ErrForbidden)
	_, err = svc.Get(ctx, admin, "does-not-exist")
	require.ErrorIs(t, err, permit.ErrNotFound)

	got, err := svc.Get(ctx, crew, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
}

func TestListFiltersByVisibility(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	bravo, err := svc.Create(ctx, lead, createInput("BRAVO"))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, bravo.ID)
	require.NoError(t, err)

	all, err := svc.List(ctx, admin, permit.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	visible, err := svc.List(ctx, outsider, permit.Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "ALPHA", visible[0].Site)

	active, err := svc.List(ctx, admin, permit.Filter{State: permit.StateActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, bravo.ID, active[0].ID)

	bravoOnly, err := svc.List(ctx, admin, permit.Filter{Site: "bravo"})
	require.NoError(t, err)
	require.Len(t, bravoOnly, 1)
}

func TestEveryAttemptIsAudited(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, lead, createInput("ALPHA"))
	require.NoError(t, err)
	_, _ = svc.Approve(ctx, outsider, p.ID)
	_, _ = svc.Approve(ctx, admin, "nope")
	_, _ = svc.Approve(ctx, admin, p.ID)

	events := store.AuditEvents()
	require.Len(t, events, 4)
	outcomes := []string{events[0].Outcome, events[1].Outcome, events[2].Outcome, events[3].Outcome}
	require.Equal(t, []string{audit.OutcomeSuccess, audit.OutcomeDenied, audit.OutcomeNotFound, audit.OutcomeSuccess}, outcomes)
	require.Equal(t, "u-out", events[1].ActorID)
	require.Equal(t, p.ID, events[1].ResourceID)
	require.Equal(t, "ALPHA-0001", events[3].Metadata["numero"])
}
