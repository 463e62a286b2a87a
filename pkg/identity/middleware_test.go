package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	var gotSubject string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			gotSubject = claims.Subject
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, validClaims(time.Now())))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, testSubject, gotSubject)
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), ErrTokenMissing.Error())
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
		req.Header.Set("X-User-Token", signHS256(t, []byte("other"), validClaims(time.Now())))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
