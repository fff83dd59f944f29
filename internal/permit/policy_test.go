package permit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ptw.org/internal/auth"
)

func TestAuthorizeTable(t *testing.T) {
	admin := auth.Identity{Subject: "u-admin", Role: auth.RoleAdmin}
	operator := auth.Identity{Subject: "u-op", Role: auth.RoleTechnician, OperatorOfRecord: true}
	supAlpha := auth.Identity{Subject: "u-sup", Role: auth.RoleSupervisor, Sites: []string{"ALPHA"}}
	supBravo := auth.Identity{Subject: "u-sup2", Role: auth.RoleSupervisor, Sites: []string{"BRAVO"}}
	lead := auth.Identity{Subject: "u-lead", Role: auth.RoleTechnician, Sites: []string{"ALPHA"}}
	crew := auth.Identity{Subject: "u-crew", Role: auth.RoleTechnician}
	outsider := auth.Identity{Subject: "u-out", Role: auth.RoleTechnician, Sites: []string{"ALPHA"}}

	base := Permit{
		Site:       "ALPHA",
		CreatedBy:  "u-lead",
		CrewLeadID: "u-lead",
		Personnel:  []Person{{PersonID: "u-crew", Name: "Crew"}},
	}
	withState := func(s State) *Permit {
		p := base
		p.State = s
		return &p
	}

	cases := []struct {
		name  string
		tr    Transition
		id    auth.Identity
		state State
		want  error
		to    State
	}{
		{"create by site member", TransitionCreate, lead, "", nil, StateCreated},
		{"create outside own sites", TransitionCreate, supBravo, "", nil, StateCreated},
		{"create without sites", TransitionCreate, crew, "", nil, StateCreated},
		{"create anonymously", TransitionCreate, auth.Identity{}, "", ErrForbidden, ""},
		{"create by operator of record", TransitionCreate, operator, "", nil, StateCreated},
		{"edit by creator", TransitionEdit, lead, StateCreated, nil, StateCreated},
		{"edit by other member", TransitionEdit, outsider, StateCreated, ErrForbidden, ""},
		{"edit after approval", TransitionEdit, admin, StateActive, ErrConflict, ""},
		{"approve by supervisor", TransitionApprove, supAlpha, StateCreated, nil, StateActive},
		{"approve by supervisor of other site", TransitionApprove, supBravo, StateCreated, ErrForbidden, ""},
		{"approve by technician", TransitionApprove, lead, StateCreated, ErrForbidden, ""},
		{"approve twice", TransitionApprove, admin, StateActive, ErrConflict, ""},
		{"closure by crew lead", TransitionSubmitClosure, lead, StateActive, nil, StateClosedPending},
		{"closure by assigned person", TransitionSubmitClosure, crew, StateClosureRejected, nil, StateClosedPending},
		{"closure by unrelated user", TransitionSubmitClosure, outsider, StateActive, ErrForbidden, ""},
		{"closure before approval", TransitionSubmitClosure, lead, StateCreated, ErrConflict, ""},
		{"approve closure by supervisor", TransitionApproveClosure, supAlpha, StateClosedPending, nil, StateClosed},
		{"approve closure by crew lead", TransitionApproveClosure, lead, StateClosedPending, ErrForbidden, ""},
		{"approve closed closure", TransitionApproveClosure, admin, StateClosed, ErrConflict, ""},
		{"reject closure by operator", TransitionRejectClosure, operator, StateClosedPending, nil, StateClosureRejected},
		{"reject rejected closure", TransitionRejectClosure, admin, StateClosureRejected, ErrConflict, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, err := authorize(tc.tr, tc.id, withState(tc.state))
			if tc.want == nil {
				require.NoError(t, err)
				require.Equal(t, tc.to, to)
				return
			}
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDeniedCallerDoesNotLearnState(t *testing.T) {
	outsider := auth.Identity{Subject: "u-out", Role: auth.RoleTechnician}
	for _, s := range []State{StateCreated, StateActive, StateClosed} {
		_, err := authorize(TransitionApprove, outsider, &Permit{Site: "ALPHA", State: s})
		require.ErrorIs(t, err, ErrForbidden)
	}
}

func TestCanView(t *testing.T) {
	p := &Permit{Site: "ALPHA", CreatedBy: "u-1", CrewLeadID: "u-2", Personnel: []Person{{PersonID: "u-3"}}}
	require.True(t, canView(auth.Identity{Subject: "x", Role: auth.RoleAdmin}, p))
	require.True(t, canView(auth.Identity{Subject: "x", Sites: []string{"ALPHA"}}, p))
	require.True(t, canView(auth.Identity{Subject: "u-1"}, p))
	require.True(t, canView(auth.Identity{Subject: "u-2"}, p))
	require.True(t, canView(auth.Identity{Subject: "u-3"}, p))
	require.False(t, canView(auth.Identity{Subject: "u-4", Sites: []string{"BRAVO"}}, p))
}

func TestFormatNumero(t *testing.T) {
	require.Equal(t, "ALPHA-0001", FormatNumero(" alpha ", 1))
	require.Equal(t, "BRAVO-0042", FormatNumero("BRAVO", 42))
	require.Equal(t, "BRAVO-12345", FormatNumero("BRAVO", 12345))
}

func TestValidationErrorMessage(t *testing.T) {
	err := (&ValidationError{Fields: map[string]string{"planta": "required", "descripcion": "required"}})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "permit: validation failed (descripcion: required, planta: required)", err.Error())
}
