package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), "test-secret")
}

func TestRegisterLoginValidate(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	reg, err := s.Register(ctx, &RegisterRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.ID)

	res, err := s.Login(ctx, &RegisterRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, reg.ID, res.ID)

	id, name, err := s.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, id)
	assert.Equal(t, "alice", name)
}

func TestRegisterRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	_, err := s.Register(ctx, &RegisterRequest{Username: "  ", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Register(ctx, &RegisterRequest{Username: "bob", Password: "pw"})
	require.NoError(t, err)
	_, err = s.Register(ctx, &RegisterRequest{Username: "bob", Password: "other"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginBadCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	_, err := s.Register(ctx, &RegisterRequest{Username: "carol", Password: "right"})
	require.NoError(t, err)

	_, err = s.Login(ctx, &RegisterRequest{Username: "carol", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(ctx, &RegisterRequest{Username: "nobody", Password: "right"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	s := newTestService()
	token, err := s.IssueToken(9, "dave")
	require.NoError(t, err)

	other := NewService(NewMemoryRepository(), "different-secret")
	_, _, err = other.ValidateToken(token)
	assert.Error(t, err, "signature from another secret")

	_, _, err = s.ValidateToken(token + "x")
	assert.Error(t, err, "tampered token")

	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, _, err = s.ValidateToken(token)
	assert.Error(t, err, "expired token")
}

func TestHandlerRegisterAndLogin(t *testing.T) {
	h := NewHandler(newTestService(), nil)

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"erin","password":"pw"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"erin","password":"pw"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"erin","password":"pw"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var res LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.AccessToken)

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"erin","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemorySearchUsers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, name := range []string{"Zed", "zoe", "amy"} {
		_, err := repo.CreateUser(ctx, &User{Username: name})
		require.NoError(t, err)
	}

	users, err := repo.SearchUsers(ctx, "z")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Zed", users[0].Username)
	assert.Empty(t, users[0].Password)
}
