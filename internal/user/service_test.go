package user

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewService(NewRepository(conn), "test-secret", "pairchat", time.Hour), mock
}

func TestService_TokenRoundTrip(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)

	token, err := svc.IssueToken("6f1c9a4e-0000-4000-8000-000000000001", "alice")
	req.NoError(err)

	id, username, err := svc.ValidateToken(token)
	req.NoError(err)
	req.Equal("6f1c9a4e-0000-4000-8000-000000000001", id)
	req.Equal("alice", username)
}

func TestService_ValidateToken_Rejects(t *testing.T) {
	svc, _ := newTestService(t)
	other := NewService(nil, "another-secret", "pairchat", time.Hour)

	foreign, err := other.IssueToken("u1", "mallory")
	require.NoError(t, err)

	expiredSvc := NewService(nil, "test-secret", "pairchat", time.Hour)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredSvc.IssueToken("u1", "alice")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"expired":      expired,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.ValidateToken(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestService_Register(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO users (id, username, password) VALUES ($1, $2, $3) RETURNING created_at")

	t.Run("creates the user with a hashed password", func(t *testing.T) {
		req := require.New(t)
		svc, mock := newTestService(t)

		mock.ExpectQuery(insert).
			WithArgs(sqlmock.AnyArg(), "alice", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

		res, err := svc.Register(context.Background(), &RegisterRequest{Username: "  alice ", Password: "hunter22"})
		req.NoError(err)
		req.Equal("alice", res.Username)
		req.NotEmpty(res.ID)
		req.NoError(mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid input before touching storage", func(t *testing.T) {
		svc, mock := newTestService(t)

		_, err := svc.Register(context.Background(), &RegisterRequest{Username: "al", Password: "x"})
		var verrs validator.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violations", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectQuery(insert).WillReturnError(&pgconn.PgError{Code: "23505"})

		_, err := svc.Register(context.Background(), &RegisterRequest{Username: "alice", Password: "hunter22"})
		require.ErrorIs(t, err, ErrUsernameTaken)
	})
}

func TestService_Login(t *testing.T) {
	query := regexp.QuoteMeta("SELECT id, username, password, created_at FROM users WHERE username = $1")
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("issues a token for valid credentials", func(t *testing.T) {
		req := require.New(t)
		svc, mock := newTestService(t)
		mock.ExpectQuery(query).WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password", "created_at"}).
				AddRow("u1", "alice", string(hash), time.Now()))

		res, err := svc.Login(context.Background(), &RegisterRequest{Username: "alice", Password: "hunter22"})
		req.NoError(err)
		req.Equal("u1", res.ID)

		id, username, err := svc.ValidateToken(res.AccessToken)
		req.NoError(err)
		req.Equal("u1", id)
		req.Equal("alice", username)
	})

	t.Run("wrong password", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectQuery(query).WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password", "created_at"}).
				AddRow("u1", "alice", string(hash), time.Now()))

		_, err := svc.Login(context.Background(), &RegisterRequest{Username: "alice", Password: "nope"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectQuery(query).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password", "created_at"}))

		_, err := svc.Login(context.Background(), &RegisterRequest{Username: "ghost", Password: "hunter22"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestRepository_GetUserByID_RejectsNonUUID(t *testing.T) {
	svc, mock := newTestService(t)

	_, err := svc.GetUser(context.Background(), "42")
	require.ErrorIs(t, err, ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_SearchUsers(t *testing.T) {
	req := require.New(t)
	svc, mock := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username FROM users WHERE username ILIKE $1")).
		WithArgs("%bo%", "6f1c9a4e-0000-4000-8000-000000000001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).
			AddRow("6f1c9a4e-0000-4000-8000-000000000002", "bob").
			AddRow("6f1c9a4e-0000-4000-8000-000000000003", "bobby"))

	users, err := svc.SearchUsers(context.Background(), "  bo ", "6f1c9a4e-0000-4000-8000-000000000001")
	req.NoError(err)
	req.Len(users, 2)
	req.Equal("bob", users[0].Username)
	req.NoError(mock.ExpectationsWereMet())
}
