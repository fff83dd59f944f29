package httpapi

import (
	"net/http"
	"strings"
	"time"

	"ptw.org/internal/permit"
)

type createPermitRequest struct {
	Site            string            `json:"planta"`
	Turbine         string            `json:"aerogenerador"`
	Description     string            `json:"descripcion"`
	MaintenanceType string            `json:"tipoMantenimiento"`
	CrewLeadID      string            `json:"jefeFaenaId"`
	CrewLeadName    string            `json:"jefeFaena"`
	Personnel       []permit.Person   `json:"personal"`
	Activities      []permit.Activity `json:"actividades"`
	Risks           []permit.Risk     `json:"riesgos"`
}

type editPermitRequest struct {
	ID         string            `json:"id"`
	Version    int64             `json:"version"`
	Personnel  []permit.Person   `json:"personal"`
	Activities []permit.Activity `json:"actividades"`
	Risks      []permit.Risk     `json:"riesgos"`
}

type permitRef struct {
	PermitID string `json:"permisoId"`
}

type closureRequest struct {
	PermitID       string            `json:"permisoId"`
	WorkStart      *time.Time        `json:"fechaInicioTrabajos"`
	WorkEnd        *time.Time        `json:"fechaFinTrabajos"`
	TurbineStop    *time.Time        `json:"fechaParadaAerogenerador"`
	TurbineRestart *time.Time        `json:"fechaPuestaMarcha"`
	Notes          string            `json:"observaciones"`
	Materials      []permit.Material `json:"materiales"`
}

type closureDecisionRequest struct {
	PermitID string `json:"permisoId"`
	Action   string `json:"accion"`
	Notes    string `json:"observaciones"`
}

const (
	actionApprove = "aprobar"
	actionReject  = "rechazar"
)

type permitList struct {
	Permits []*permit.Permit `json:"permisos"`
	Total   int              `json:"total"`
}

func (a *API) handleCreatePermit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req createPermitRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	p, err := a.permits.Create(r.Context(), id, permit.CreateInput{
		Site:            req.Site,
		Turbine:         req.Turbine,
		Description:     req.Description,
		MaintenanceType: req.MaintenanceType,
		CrewLeadID:      req.CrewLeadID,
		CrewLeadName:    req.CrewLeadName,
		Personnel:       req.Personnel,
		Activities:      req.Activities,
		Risks:           req.Risks,
	})
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	w.Header().Set("Location", "/permisos/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleEditPermit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req editPermitRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	p, err := a.permits.Edit(r.Context(), id, permit.EditInput{
		ID:              req.ID,
		ExpectedVersion: req.Version,
		Personnel:       req.Personnel,
		Activities:      req.Activities,
		Risks:           req.Risks,
	})
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListPermits(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := permit.Filter{Site: q.Get("planta")}
	if raw := strings.TrimSpace(q.Get("estado")); raw != "" {
		st, ok := permit.ParseState(raw)
		if !ok {
			writeValidation(w, map[string]string{"estado": "unknown state"})
			return
		}
		f.State = st
	}

	permits, err := a.permits.List(r.Context(), id, f)
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, permitList{Permits: permits, Total: len(permits)})
}

func (a *API) handleGetPermit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	p, err := a.permits.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleApprovePermit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req permitRef
	if !decodeOrReject(w, r, &req) {
		return
	}

	p, err := a.permits.Approve(r.Context(), id, req.PermitID)
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleSubmitClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req closureRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	p, err := a.permits.SubmitClosure(r.Context(), id, permit.ClosureInput{
		PermitID:       req.PermitID,
		WorkStart:      req.WorkStart,
		WorkEnd:        req.WorkEnd,
		TurbineStop:    req.TurbineStop,
		TurbineRestart: req.TurbineRestart,
		Notes:          req.Notes,
		Materials:      req.Materials,
	})
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleClosureDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req closureDecisionRequest
	if !decodeOrReject(w, r, &req) {
		return
	}

	var (
		p   *permit.Permit
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case actionApprove:
		p, err = a.permits.ApproveClosure(r.Context(), id, req.PermitID, req.Notes)
	case actionReject:
		p, err = a.permits.RejectClosure(r.Context(), id, req.PermitID, req.Notes)
	default:
		writeValidation(w, map[string]string{"accion": "must be aprobar or rechazar"})
		return
	}
	if err != nil {
		writeServiceError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
