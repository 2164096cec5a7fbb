package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-session-api/internal/token"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
	"github.com/noah-isme/auth-session-api/pkg/response"
)

type codecValidator struct {
	codec *token.Codec
}

func (v codecValidator) ValidateAccessToken(raw string) (*token.Claims, error) {
	claims, err := v.codec.Decode(raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired access token")
	}
	return claims, nil
}

func newGuardedRouter(t *testing.T, now func() time.Time) (*gin.Engine, *token.Codec) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	codec, err := token.NewCodec("guard-secret", 15*time.Second, token.WithClock(now))
	require.NoError(t, err)

	r := gin.New()
	r.GET("/protected", JWT(codecValidator{codec: codec}), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": claims.UserID})
	})
	return r, codec
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		token  string
		ok     bool
	}{
		"valid":       {header: "Bearer abc.def.ghi", token: "abc.def.ghi", ok: true},
		"lower":       {header: "bearer abc", token: "abc", ok: true},
		"no scheme":   {header: "abc.def.ghi"},
		"basic":       {header: "Basic dXNlcjpwYXNz"},
		"empty token": {header: "Bearer   "},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			raw, ok := BearerToken(tc.header)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.token, raw)
		})
	}
}

func TestJWTGuard(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r, codec := newGuardedRouter(t, clock)

	valid, _, err := codec.Encode(token.AccessClaims("1", "demo", "admin"))
	require.NoError(t, err)
	wrongSecret, err := token.Encode(token.AccessClaims("1", "demo", "admin"), []byte("other-secret"), time.Minute)
	require.NoError(t, err)
	stale, err := token.NewCodec("guard-secret", 15*time.Second, token.WithClock(func() time.Time { return now.Add(-time.Minute) }))
	require.NoError(t, err)
	expired, _, err := stale.Encode(token.AccessClaims("1", "demo", "admin"))
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		status int
	}{
		"valid":        {header: "Bearer " + valid, status: http.StatusOK},
		"missing":      {status: http.StatusUnauthorized},
		"wrong scheme": {header: "Token " + valid, status: http.StatusUnauthorized},
		"wrong secret": {header: "Bearer " + wrongSecret, status: http.StatusUnauthorized},
		"malformed":    {header: "Bearer not-a-token", status: http.StatusUnauthorized},
		"expired":      {header: "Bearer " + expired, status: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				var body response.ErrorBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, appErrors.ErrUnauthorized.Code, body.Code)
			}
		})
	}
}
