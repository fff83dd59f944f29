package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
)

var userHeader = []string{"id", "username", "email", "password_hash", "role", "company", "operator_of_record",
	"must_change_password", "active", "created_at", "updated_at"}

func TestFindUserByUsernameLoadsSites(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`from users where lower\(username\) = lower\(\$1\)`).WithArgs("tecnico").
		WillReturnRows(sqlmock.NewRows(userHeader).
			AddRow("u-tec", "tecnico", "t@ptw.local", "pbkdf2_sha512$1$a$b", "technician", "Contratista", false, false, true, now, now))
	mock.ExpectQuery("from user_sites").WithArgs("u-tec").
		WillReturnRows(sqlmock.NewRows([]string{"site_code"}).AddRow("ALPHA").AddRow("BRAVO"))

	u, err := store.FindUserByUsername(context.Background(), " tecnico ")
	require.NoError(t, err)
	require.Equal(t, "u-tec", u.ID)
	require.Equal(t, []string{"ALPHA", "BRAVO"}, u.Sites)
	require.True(t, u.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUserByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from users where id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(userHeader))

	_, err := store.FindUserByID(context.Background(), "nope")
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePassword(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update users").WithArgs("u-tec", "newhash", false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users").WithArgs("gone", "newhash", false).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.UpdatePassword(context.Background(), "u-tec", "newhash", false))
	require.ErrorIs(t, store.UpdatePassword(context.Background(), "gone", "newhash", false), auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserInsertsSites(t *testing.T) {
	store, mock := newMockStore(t)
	u := &auth.User{ID: "u-1", Username: "admin", PasswordHash: "h", Role: auth.RoleAdmin, Active: true, Sites: []string{"ALPHA"}}

	mock.ExpectBegin()
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into user_sites").WithArgs("u-1", "ALPHA").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateUser(context.Background(), u))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into audit_events").
		WithArgs("e1", at, "u-sup", "supervisor", "permit.approve", "permit", "p1", "success", "", "req-1",
			`{"numero":"ALPHA-0001"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendAudit(context.Background(), audit.Event{
		ID: "e1", OccurredAt: at, ActorID: "u-sup", ActorRole: "supervisor", Action: "permit.approve",
		ResourceType: "permit", ResourceID: "p1", Outcome: "success", RequestID: "req-1",
		Metadata: map[string]string{"numero": "ALPHA-0001"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateLocation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from sites").WithArgs("ALPHA").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("from turbines").WithArgs("ALPHA", "WTG-07").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("from sites").WithArgs("ZULU").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("from sites").WithArgs("ALPHA").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("from turbines").WithArgs("ALPHA", "WTG-99").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ctx := context.Background()
	require.NoError(t, store.ValidateLocation(ctx, "alpha", "wtg-07"))
	require.ErrorIs(t, store.ValidateLocation(ctx, "zulu", ""), permit.ErrValidation)

	err := store.ValidateLocation(ctx, "ALPHA", "WTG-99")
	var ve *permit.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "aerogenerador")
	require.NoError(t, mock.ExpectationsWereMet())
}
