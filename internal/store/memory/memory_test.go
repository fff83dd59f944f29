package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
)

func newPermit(id, site string) *permit.Permit {
	return &permit.Permit{
		ID:        id,
		Site:      site,
		State:     permit.StateCreated,
		Version:   1,
		Personnel: []permit.Person{{PersonID: "u-1", Name: "Uno"}},
	}
}

func TestUsersAreCaseInsensitiveAndCopied(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUser(&auth.User{ID: "u-1", Username: "Tecnico", Sites: []string{"ALPHA"}}))
	require.Error(t, s.AddUser(&auth.User{ID: "u-2", Username: "tecnico"}))

	ctx := context.Background()
	u, err := s.FindUserByUsername(ctx, " TECNICO ")
	require.NoError(t, err)
	u.Sites[0] = "BRAVO"

	again, err := s.FindUserByID(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, []string{"ALPHA"}, again.Sites)

	_, err = s.FindUserByUsername(ctx, "nadie")
	require.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, s.UpdatePassword(ctx, "u-1", "hash", true))
	again, err = s.FindUserByID(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, "hash", again.PasswordHash)
	require.True(t, again.MustChangePassword)
	require.ErrorIs(t, s.UpdatePassword(ctx, "missing", "hash", false), auth.ErrNotFound)
}

func TestCreatePermitNumbersPerSite(t *testing.T) {
	s := New()
	ctx := context.Background()

	a1, a2, b1 := newPermit("p1", "ALPHA"), newPermit("p2", "ALPHA"), newPermit("p3", "BRAVO")
	for _, p := range []*permit.Permit{a1, a2, b1} {
		require.NoError(t, s.CreatePermit(ctx, p))
	}
	require.Equal(t, "ALPHA-0001", a1.Numero)
	require.Equal(t, "ALPHA-0002", a2.Numero)
	require.Equal(t, "BRAVO-0001", b1.Numero)
	require.ErrorIs(t, s.CreatePermit(ctx, newPermit("p1", "ALPHA")), permit.ErrConflict)

	list, err := s.ListPermits(ctx, permit.Filter{Site: "ALPHA"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "ALPHA-0002", list[0].Numero)
}

func TestSavePermitChecksVersionAndKeepsHeader(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newPermit("p1", "ALPHA")
	p.Description = "original"
	require.NoError(t, s.CreatePermit(ctx, p))

	upd := p.Clone()
	upd.Description = "changed"
	upd.State = permit.StateActive
	upd.Version = 2
	upd.Personnel = nil
	require.NoError(t, s.SavePermit(ctx, upd, 1, permit.SaveOptions{}))

	got, err := s.GetPermit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "original", got.Description)
	require.Equal(t, permit.StateActive, got.State)
	require.Len(t, got.Personnel, 1, "associations untouched without the option")

	require.ErrorIs(t, s.SavePermit(ctx, upd, 1, permit.SaveOptions{}), permit.ErrConflict)
	upd.ID = "missing"
	require.ErrorIs(t, s.SavePermit(ctx, upd, 2, permit.SaveOptions{}), permit.ErrNotFound)
	_, err = s.GetPermit(ctx, "missing")
	require.ErrorIs(t, err, permit.ErrNotFound)
}

func TestValidateLocation(t *testing.T) {
	s := New()
	s.AddSite("alpha", "wtg-01")
	s.AddSite("BRAVO")
	ctx := context.Background()

	require.NoError(t, s.ValidateLocation(ctx, "ALPHA", "WTG-01"))
	require.NoError(t, s.ValidateLocation(ctx, "ALPHA", ""))
	require.NoError(t, s.ValidateLocation(ctx, "BRAVO", "ANY"))
	require.ErrorIs(t, s.ValidateLocation(ctx, "ALPHA", "WTG-99"), permit.ErrValidation)
	require.ErrorIs(t, s.ValidateLocation(ctx, "ZULU", ""), permit.ErrValidation)
}
