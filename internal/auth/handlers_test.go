package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestAuth(t *testing.T, requireAuth bool) (*Manager, *Handler, *echo.Echo) {
	t.Helper()

	accounts, err := ParseAccounts("alice@example.com:password123:Alice:approver;vic@example.com:viewpass:Vic:viewer")
	require.NoError(t, err)

	manager, err := NewManager(Config{
		JWTSecret:       "test-secret-key",
		TokenExpiration: time.Hour,
		RequireAuth:     requireAuth,
		Accounts:        accounts,
	})
	require.NoError(t, err)
	return manager, NewHandler(manager), echo.New()
}

func login(t *testing.T, h *Handler, e *echo.Echo, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, h.Login(e.NewContext(req, rec)))
	return rec
}

func TestLoginSuccess(t *testing.T) {
	manager, handler, e := setupTestAuth(t, true)

	rec := login(t, handler, e, `{"email":"alice@example.com","password":"password123"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Alice", resp.Approver.Name)
	assert.Equal(t, "alice-example.com", resp.Approver.ID)

	approver, err := manager.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", approver.Email)
	assert.True(t, approver.HasRole(RoleApprover))
}

func TestLoginInvalidCredentials(t *testing.T) {
	_, handler, e := setupTestAuth(t, true)

	rec := login(t, handler, e, `{"email":"alice@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")

	rec = login(t, handler, e, `{"password":"password123"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginInvalidJSON(t *testing.T) {
	_, handler, e := setupTestAuth(t, true)

	rec := login(t, handler, e, `{invalid json}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMe(t *testing.T) {
	_, handler, e := setupTestAuth(t, true)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(contextKey, &Approver{ID: "a", Email: "alice@example.com", Name: "Alice"})

	require.NoError(t, handler.Me(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice@example.com")

	rec = httptest.NewRecorder()
	require.NoError(t, handler.Me(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeAuthDisabled(t *testing.T) {
	_, handler, e := setupTestAuth(t, false)

	rec := httptest.NewRecorder()
	require.NoError(t, handler.Me(e.NewContext(httptest.NewRequest(http.MethodGet, "/me", nil), rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), Anonymous)
}

func TestParseAccounts(t *testing.T) {
	accounts, err := ParseAccounts(" ops@example.com:s3cret:Ops Team:approver,viewer ; ")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "s3cret", accounts[0].Password)
	assert.Equal(t, "Ops Team", accounts[0].Name)
	assert.Equal(t, "ops-example.com", accounts[0].ID)
	assert.Equal(t, []string{"approver", "viewer"}, accounts[0].Roles)

	accounts, err = ParseAccounts("")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = ParseAccounts("missing-fields")
	assert.Error(t, err)
}
