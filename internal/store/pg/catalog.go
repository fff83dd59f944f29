package pg

import (
	"context"
	"strings"

	"ptw.org/internal/permit"
)

func (s *Store) ValidateLocation(ctx context.Context, site, turbine string) error {
	site = permit.NormalizeSite(site)
	var ok bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sites where code = $1)`, site).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return &permit.ValidationError{Fields: map[string]string{"planta": "unknown site"}}
	}
	turbine = strings.ToUpper(strings.TrimSpace(turbine))
	if turbine == "" {
		return nil
	}
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from turbines where site_code = $1 and code = $2)
	`, site, turbine).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return &permit.ValidationError{Fields: map[string]string{"aerogenerador": "unknown turbine for site"}}
	}
	return nil
}
