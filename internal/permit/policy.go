package permit

import (
	"fmt"
	"slices"

	"ptw.org/internal/auth"
)

// Transition names a lifecycle operation.
type Transition string

const (
	TransitionCreate         Transition = "permit.create"
	TransitionEdit           Transition = "permit.edit"
	TransitionApprove        Transition = "permit.approve"
	TransitionSubmitClosure  Transition = "permit.closure.submit"
	TransitionApproveClosure Transition = "permit.closure.approve"
	TransitionRejectClosure  Transition = "permit.closure.reject"
)

// actor decides whether an identity may perform a transition on a permit.
type actor func(id auth.Identity, p *Permit) bool

type rule struct {
	from  []State
	to    State
	actor actor
}

// policy is the complete transition table. A transition absent from a
// state's row is rejected with ErrConflict and never changes the permit.
var policy = map[Transition]rule{
	TransitionCreate: {
		to:    StateCreated,
		actor: authenticated,
	},
	TransitionEdit: {
		from:  []State{StateCreated},
		to:    StateCreated,
		actor: anyOf(unrestricted, creator),
	},
	TransitionApprove: {
		from:  []State{StateCreated},
		to:    StateActive,
		actor: anyOf(unrestricted, siteSupervisor),
	},
	TransitionSubmitClosure: {
		from:  []State{StateActive, StateClosureRejected},
		to:    StateClosedPending,
		actor: anyOf(unrestricted, crewLead, assigned),
	},
	TransitionApproveClosure: {
		from:  []State{StateClosedPending},
		to:    StateClosed,
		actor: anyOf(unrestricted, siteSupervisor),
	},
	TransitionRejectClosure: {
		from:  []State{StateClosedPending},
		to:    StateClosureRejected,
		actor: anyOf(unrestricted, siteSupervisor),
	},
}

// authorize checks the actor predicate and then the source state. The actor
// is checked first so a denied caller learns nothing about the permit state.
func authorize(t Transition, id auth.Identity, p *Permit) (State, error) {
	r, ok := policy[t]
	if !ok {
		return "", fmt.Errorf("permit: unknown transition %q", t)
	}
	if !r.actor(id, p) {
		return "", ErrForbidden
	}
	if r.from != nil && !slices.Contains(r.from, p.State) {
		return "", fmt.Errorf("%w: %s not allowed from %s", ErrConflict, t, p.State)
	}
	return r.to, nil
}

func anyOf(preds ...actor) actor {
	return func(id auth.Identity, p *Permit) bool {
		for _, pred := range preds {
			if pred(id, p) {
				return true
			}
		}
		return false
	}
}

func authenticated(id auth.Identity, _ *Permit) bool { return id.Subject != "" }

func unrestricted(id auth.Identity, _ *Permit) bool { return id.Unrestricted() }

func siteMember(id auth.Identity, p *Permit) bool { return id.AuthorizedFor(p.Site) }

func siteSupervisor(id auth.Identity, p *Permit) bool {
	return id.Supervisory() && id.AuthorizedFor(p.Site)
}

func creator(id auth.Identity, p *Permit) bool {
	return id.Subject != "" && id.Subject == p.CreatedBy
}

func crewLead(id auth.Identity, p *Permit) bool {
	return id.Subject != "" && id.Subject == p.CrewLeadID
}

func assigned(id auth.Identity, p *Permit) bool { return p.Assigned(id.Subject) }

// canView reports whether id may read p.
func canView(id auth.Identity, p *Permit) bool {
	return anyOf(unrestricted, siteMember, creator, crewLead, assigned)(id, p)
}
