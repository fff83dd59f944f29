// Package memory is an in-process store for development and tests. It
// applies the same version and uniqueness rules as the Postgres store.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
)

// Store keeps users, permits, catalog and audit events in memory.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*auth.User
	permits map[string]*permit.Permit
	sites   map[string]map[string]struct{}
	events  []audit.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:   map[string]*auth.User{},
		permits: map[string]*permit.Permit{},
		sites:   map[string]map[string]struct{}{},
	}
}

// AddUser inserts u. Usernames are unique case-insensitively.
func (s *Store) AddUser(u *auth.User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" || strings.TrimSpace(u.Username) == "" {
		return errors.New("memory: user id and username are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return errors.New("memory: username already exists")
		}
	}
	cp := cloneUser(u)
	s.users[u.ID] = cp
	return nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*auth.User, error) {
	username = strings.TrimSpace(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return cloneUser(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) FindUserByID(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) UpdatePassword(_ context.Context, userID, hash string, mustChange bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	u.MustChangePassword = mustChange
	return nil
}

// AddSite registers a site and its turbines for location validation. A site
// registered without turbines accepts any turbine.
func (s *Store) AddSite(code string, turbines ...string) {
	code = permit.NormalizeSite(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sites[code]
	if !ok {
		set = map[string]struct{}{}
		s.sites[code] = set
	}
	for _, t := range turbines {
		set[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
}

func (s *Store) ValidateLocation(_ context.Context, site, turbine string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turbines, ok := s.sites[permit.NormalizeSite(site)]
	if !ok {
		return &permit.ValidationError{Fields: map[string]string{"planta": "unknown site"}}
	}
	turbine = strings.ToUpper(strings.TrimSpace(turbine))
	if turbine == "" || len(turbines) == 0 {
		return nil
	}
	if _, ok := turbines[turbine]; !ok {
		return &permit.ValidationError{Fields: map[string]string{"aerogenerador": "unknown turbine for site"}}
	}
	return nil
}

func (s *Store) CreatePermit(_ context.Context, p *permit.Permit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.permits[p.ID]; exists {
		return permit.ErrConflict
	}
	next := 1
	for _, existing := range s.permits {
		if existing.Site == p.Site && existing.Seq >= next {
			next = existing.Seq + 1
		}
	}
	p.Seq = next
	p.Numero = permit.FormatNumero(p.Site, next)
	s.permits[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetPermit(_ context.Context, id string) (*permit.Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permits[id]
	if !ok {
		return nil, permit.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) ListPermits(_ context.Context, f permit.Filter) ([]*permit.Permit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*permit.Permit, 0, len(s.permits))
	for _, p := range s.permits {
		if f.Site != "" && p.Site != f.Site {
			continue
		}
		if f.State != "" && p.State != f.State {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// SavePermit replaces the stored permit when the version matches. Header
// fields fixed at creation are kept from the stored copy.
func (s *Store) SavePermit(_ context.Context, p *permit.Permit, expectedVersion int64, opts permit.SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.permits[p.ID]
	if !ok {
		return permit.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return permit.ErrConflict
	}
	next := cur.Clone()
	in := p.Clone()
	next.State = in.State
	next.Version = in.Version
	next.ApprovedBy = in.ApprovedBy
	next.ApprovedAt = in.ApprovedAt
	next.UpdatedAt = in.UpdatedAt
	if opts.Associations {
		next.Personnel = in.Personnel
		next.Activities = in.Activities
		next.Risks = in.Risks
	}
	if opts.Closure {
		next.Closure = in.Closure
	}
	s.permits[p.ID] = next
	return nil
}

func (s *Store) AppendAudit(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// AuditEvents returns a copy of the recorded audit events in order.
func (s *Store) AuditEvents() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneUser(u *auth.User) *auth.User {
	cp := *u
	cp.Sites = slices.Clone(u.Sites)
	return &cp
}
