// Package permit implements the work permit lifecycle: creation, edits,
// approval and the closure review loop.
package permit

import (
	"slices"
	"time"
)

// State is the lifecycle position of a permit.
type State string

const (
	StateCreated         State = "CREATED"
	StateActive          State = "ACTIVE"
	StateClosedPending   State = "CLOSED_PENDING_APPROVAL"
	StateClosed          State = "CLOSED"
	StateClosureRejected State = "CLOSURE_REJECTED"
)

// ParseState validates s as a State.
func ParseState(s string) (State, bool) {
	st := State(s)
	switch st {
	case StateCreated, StateActive, StateClosedPending, StateClosed, StateClosureRejected:
		return st, true
	}
	return "", false
}

// Person is someone assigned to work under a permit.
type Person struct {
	PersonID string `json:"personaId"`
	Name     string `json:"nombre"`
	Role     string `json:"rol,omitempty"`
}

// Activity is one planned step of the work.
type Activity struct {
	Description string `json:"descripcion"`
	Order       int    `json:"orden"`
}

// Risk is an applicable risk-matrix entry and its control measure.
type Risk struct {
	RiskID      string `json:"riesgoId,omitempty"`
	Description string `json:"descripcion"`
	Control     string `json:"control,omitempty"`
}

// Material is a consumable reported at closure.
type Material struct {
	Description string  `json:"descripcion"`
	Quantity    float64 `json:"cantidad"`
	Unit        string  `json:"unidad,omitempty"`
}

// Closure is the report filed when work ends, plus the supervisory decision on it.
type Closure struct {
	WorkStart      *time.Time `json:"fechaInicioTrabajos,omitempty"`
	WorkEnd        time.Time  `json:"fechaFinTrabajos"`
	TurbineStop    *time.Time `json:"fechaParadaAerogenerador,omitempty"`
	TurbineRestart *time.Time `json:"fechaPuestaMarcha,omitempty"`
	Notes          string     `json:"observaciones,omitempty"`
	Materials      []Material `json:"materiales"`
	ClosedBy       string     `json:"cerradoPor"`
	ClosedAt       time.Time  `json:"fechaCierre"`

	Approved        bool       `json:"aprobado"`
	ApprovedBy      string     `json:"aprobadoPor,omitempty"`
	ApprovedAt      *time.Time `json:"fechaAprobacion,omitempty"`
	ReviewNotes     string     `json:"observacionesRevision,omitempty"`
	RejectionReason string     `json:"motivoRechazo,omitempty"`
	RejectedBy      string     `json:"rechazadoPor,omitempty"`
	RejectedAt      *time.Time `json:"fechaRechazo,omitempty"`
}

// Permit is the aggregate root. Site, turbine, description, maintenance
// type, crew lead and creator never change after creation.
type Permit struct {
	ID              string `json:"id"`
	Numero          string `json:"numero"`
	Seq             int    `json:"-"`
	Site            string `json:"planta"`
	Turbine         string `json:"aerogenerador,omitempty"`
	Description     string `json:"descripcion"`
	MaintenanceType string `json:"tipoMantenimiento,omitempty"`
	CrewLeadID      string `json:"jefeFaenaId"`
	CrewLeadName    string `json:"jefeFaena,omitempty"`
	CreatedBy       string `json:"creadoPor"`
	State           State  `json:"estado"`
	Version         int64  `json:"version"`

	Personnel  []Person   `json:"personal"`
	Activities []Activity `json:"actividades"`
	Risks      []Risk     `json:"riesgos"`
	Closure    *Closure   `json:"cierre,omitempty"`

	ApprovedBy string     `json:"aprobadoPor,omitempty"`
	ApprovedAt *time.Time `json:"fechaAprobacion,omitempty"`
	CreatedAt  time.Time  `json:"creadoEn"`
	UpdatedAt  time.Time  `json:"actualizadoEn"`
}

// Assigned reports whether subject is listed in the permit's personnel.
func (p *Permit) Assigned(subject string) bool {
	if subject == "" {
		return false
	}
	return slices.ContainsFunc(p.Personnel, func(x Person) bool { return x.PersonID == subject })
}

// Clone returns a deep copy of p.
func (p *Permit) Clone() *Permit {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Personnel = slices.Clone(p.Personnel)
	cp.Activities = slices.Clone(p.Activities)
	cp.Risks = slices.Clone(p.Risks)
	cp.ApprovedAt = cloneTime(p.ApprovedAt)
	if p.Closure != nil {
		c := *p.Closure
		c.Materials = slices.Clone(p.Closure.Materials)
		c.WorkStart = cloneTime(c.WorkStart)
		c.TurbineStop = cloneTime(c.TurbineStop)
		c.TurbineRestart = cloneTime(c.TurbineRestart)
		c.ApprovedAt = cloneTime(c.ApprovedAt)
		c.RejectedAt = cloneTime(c.RejectedAt)
		cp.Closure = &c
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Site  string
	State State
}
