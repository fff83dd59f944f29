//go:build integration

package pg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ptw.org/db"
	"ptw.org/internal/auth"
	"ptw.org/internal/migrate"
	"ptw.org/internal/permit"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*Store, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "ptw",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := Open(fmt.Sprintf("postgres://test:test@%s:%s/ptw?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	mgr := migrate.NewManager(store.DB(), db.FS, db.MigrationsDir, db.SeedsDir)
	require.NoError(t, mgr.Up(ctx))
	require.NoError(t, mgr.Seed(ctx))

	return store, func() {
		_ = store.Close()
		_ = container.Terminate(ctx)
	}
}

func TestIntegration_PermitLifecycle(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	svc := permit.NewService(store, permit.WithCatalog(store))
	admin := auth.Identity{Subject: "01J0000000000000000000ADM0", Role: auth.RoleAdmin, OperatorOfRecord: true}
	in := permit.CreateInput{
		Site:        "ALPHA",
		Turbine:     "WTG-07",
		Description: "Cambio de multiplicadora",
		CrewLeadID:  "01J0000000000000000000TEC0",
		Personnel:   []permit.Person{{PersonID: "01J0000000000000000000TEC1", Name: "Legado"}},
	}

	t.Run("numbering is sequential under concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Create(ctx, admin, in)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		list, err := svc.List(ctx, admin, permit.Filter{Site: "ALPHA"})
		require.NoError(t, err)
		require.Len(t, list, 10)
		require.Equal(t, "ALPHA-0010", list[0].Numero)
	})

	t.Run("closure resubmission keeps one row", func(t *testing.T) {
		p, err := svc.Create(ctx, admin, in)
		require.NoError(t, err)
		_, err = svc.Approve(ctx, admin, p.ID)
		require.NoError(t, err)

		end := time.Now().UTC().Truncate(time.Second)
		_, err = svc.SubmitClosure(ctx, admin, permit.ClosureInput{PermitID: p.ID, WorkEnd: &end,
			Materials: []permit.Material{{Description: "Aceite", Quantity: 20, Unit: "l"}}})
		require.NoError(t, err)
		_, err = svc.RejectClosure(ctx, admin, p.ID, "missing signature")
		require.NoError(t, err)
		_, err = svc.SubmitClosure(ctx, admin, permit.ClosureInput{PermitID: p.ID, WorkEnd: &end, Notes: "Firmado"})
		require.NoError(t, err)

		var rows int
		require.NoError(t, store.DB().QueryRowContext(ctx, `select count(*) from permit_closures where permit_id = $1`, p.ID).Scan(&rows))
		require.Equal(t, 1, rows)

		got, err := svc.Get(ctx, admin, p.ID)
		require.NoError(t, err)
		require.Equal(t, permit.StateClosedPending, got.State)
		require.Equal(t, "Firmado", got.Closure.Notes)
		require.Empty(t, got.Closure.RejectionReason)
		require.Empty(t, got.Closure.Materials)
	})

	t.Run("unknown turbine is rejected", func(t *testing.T) {
		bad := in
		bad.Turbine = "WTG-99"
		_, err := svc.Create(ctx, admin, bad)
		require.ErrorIs(t, err, permit.ErrValidation)
	})

	t.Run("seeded legacy user", func(t *testing.T) {
		u, err := store.FindUserByUsername(ctx, "LEGADO")
		require.NoError(t, err)
		require.Equal(t, []string{"ALPHA"}, u.Sites)
		v := auth.VerifyCredential("Legado#2024", u.PasswordHash)
		require.True(t, v.Valid)
		require.True(t, v.NeedsUpgrade)
	})
}
