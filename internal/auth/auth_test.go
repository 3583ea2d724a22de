package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.GenerateToken("alice", RoleOperator)
	require.NoError(t, err)

	p, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.CanTrigger())
}

func TestJWTRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	other, err := NewJWTManager("other", time.Hour).GenerateToken("alice", RoleOperator)
	require.NoError(t, err)
	_, err = m.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewJWTManager("secret", -time.Minute).GenerateToken("alice", RoleOperator)
	require.NoError(t, err)
	_, err = m.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTDefaultsToViewer(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateToken("bob", "")
	require.NoError(t, err)

	p, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)
	assert.False(t, p.CanTrigger())
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	mw := NewMiddleware(m)

	var seen *Principal
	handler := mw.RequireAuth(mw.RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	operator, err := m.GenerateToken("alice", RoleOperator)
	require.NoError(t, err)
	viewer, err := m.GenerateToken("bob", RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+operator) }, http.StatusNoContent},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: operator}) }, http.StatusNoContent},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+operator) }, http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") }, http.StatusUnauthorized},
		{"viewer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+viewer) }, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "alice", seen.Subject)
			}
		})
	}
}

func TestNoAuth(t *testing.T) {
	mw := NewMiddleware(NewJWTManager("secret", time.Hour))
	rec := httptest.NewRecorder()
	NoAuth(mw.RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewTriggerLimiter(1, 2)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, wait := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	// Other clients have their own bucket
	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 2, l.Cleanup(time.Minute))
	assert.Equal(t, 0, l.Len())
}

func TestWSTokenStore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewWSTokenStore()
	s.now = func() time.Time { return now }

	token, err := s.Generate(Principal{Subject: "alice", Role: RoleViewer})
	require.NoError(t, err)
	assert.Len(t, token, WSTokenLength*2)

	p, ok := s.Validate(token)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Subject)

	_, ok = s.Validate(token)
	assert.False(t, ok, "tokens are single use")

	stale, err := s.Generate(Principal{Subject: "alice"})
	require.NoError(t, err)
	now = now.Add(WSTokenTTL + time.Second)
	_, ok = s.Validate(stale)
	assert.False(t, ok)

	_, err = s.Generate(Principal{Subject: "bob"})
	require.NoError(t, err)
	now = now.Add(WSTokenTTL + time.Second)
	assert.Equal(t, 1, s.Cleanup())
}
