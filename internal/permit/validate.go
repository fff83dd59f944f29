package permit

import (
	"fmt"
	"strings"
)

func validateCreate(in CreateInput) error {
	fe := fieldErrors{}
	if strings.TrimSpace(in.Site) == "" {
		fe.add("planta", "required")
	}
	if strings.TrimSpace(in.Description) == "" {
		fe.add("descripcion", "required")
	}
	if strings.TrimSpace(in.CrewLeadID) == "" {
		fe.add("jefeFaenaId", "required")
	}
	validateAssociations(fe, in.Personnel, in.Activities, in.Risks)
	return fe.err()
}

func validateAssociations(fe fieldErrors, personnel []Person, activities []Activity, risks []Risk) {
	if len(personnel) == 0 {
		fe.add("personal", "at least one person must be assigned")
	}
	seen := make(map[string]struct{}, len(personnel))
	for i, p := range personnel {
		id := strings.TrimSpace(p.PersonID)
		if id == "" {
			fe.add(fmt.Sprintf("personal[%d].personaId", i), "required")
			continue
		}
		if _, dup := seen[id]; dup {
			fe.add(fmt.Sprintf("personal[%d].personaId", i), "duplicate person")
		}
		seen[id] = struct{}{}
	}
	for i, a := range activities {
		if strings.TrimSpace(a.Description) == "" {
			fe.add(fmt.Sprintf("actividades[%d].descripcion", i), "required")
		}
	}
	for i, r := range risks {
		if strings.TrimSpace(r.Description) == "" && strings.TrimSpace(r.RiskID) == "" {
			fe.add(fmt.Sprintf("riesgos[%d]", i), "riesgoId or descripcion required")
		}
	}
}

func validateClosure(in ClosureInput) error {
	fe := fieldErrors{}
	switch {
	case in.WorkEnd == nil || in.WorkEnd.IsZero():
		fe.add("fechaFinTrabajos", "required")
	case in.WorkStart != nil && !in.WorkStart.IsZero() && in.WorkEnd.Before(*in.WorkStart):
		fe.add("fechaFinTrabajos", "must not be before fechaInicioTrabajos")
	}
	if in.TurbineStop != nil && in.TurbineRestart != nil && in.TurbineRestart.Before(*in.TurbineStop) {
		fe.add("fechaPuestaMarcha", "must not be before fechaParadaAerogenerador")
	}
	for i, m := range in.Materials {
		if strings.TrimSpace(m.Description) == "" {
			fe.add(fmt.Sprintf("materiales[%d].descripcion", i), "required")
		}
		if m.Quantity < 0 {
			fe.add(fmt.Sprintf("materiales[%d].cantidad", i), "must not be negative")
		}
	}
	return fe.err()
}

func normalizePersonnel(in []Person) []Person {
	out := make([]Person, 0, len(in))
	for _, p := range in {
		out = append(out, Person{
			PersonID: strings.TrimSpace(p.PersonID),
			Name:     strings.TrimSpace(p.Name),
			Role:     strings.TrimSpace(p.Role),
		})
	}
	return out
}

// normalizeActivities numbers activities 1..n when the caller left the order unset.
func normalizeActivities(in []Activity) []Activity {
	out := make([]Activity, 0, len(in))
	for i, a := range in {
		order := a.Order
		if order <= 0 {
			order = i + 1
		}
		out = append(out, Activity{Description: strings.TrimSpace(a.Description), Order: order})
	}
	return out
}

func normalizeRisks(in []Risk) []Risk {
	out := make([]Risk, 0, len(in))
	for _, r := range in {
		out = append(out, Risk{
			RiskID:      strings.TrimSpace(r.RiskID),
			Description: strings.TrimSpace(r.Description),
			Control:     strings.TrimSpace(r.Control),
		})
	}
	return out
}

func normalizeMaterials(in []Material) []Material {
	out := make([]Material, 0, len(in))
	for _, m := range in {
		out = append(out, Material{
			Description: strings.TrimSpace(m.Description),
			Quantity:    m.Quantity,
			Unit:        strings.TrimSpace(m.Unit),
		})
	}
	return out
}
