package permit

import "context"

// SaveOptions selects which child collections SavePermit rewrites in
// addition to the header row.
type SaveOptions struct {
	// Associations replaces personnel, activities and risks.
	Associations bool
	// Closure upserts the closure record and replaces its materials.
	Closure bool
}

// Store persists permits. Implementations must apply each call atomically.
type Store interface {
	// CreatePermit assigns p.Seq and p.Numero (next number for p.Site) and
	// inserts the permit with its associations.
	CreatePermit(ctx context.Context, p *Permit) error
	// GetPermit returns ErrNotFound for unknown ids.
	GetPermit(ctx context.Context, id string) (*Permit, error)
	ListPermits(ctx context.Context, f Filter) ([]*Permit, error)
	// SavePermit writes p only if the stored version still equals
	// expectedVersion, returning ErrConflict otherwise.
	SavePermit(ctx context.Context, p *Permit, expectedVersion int64, opts SaveOptions) error
}

// Catalog validates the location a permit refers to. It returns a
// *ValidationError when the site or turbine is unknown.
type Catalog interface {
	ValidateLocation(ctx context.Context, site, turbine string) error
}
