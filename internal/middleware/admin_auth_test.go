package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-orchestrator/internal/handlers"
)

type staticValidator map[string]*handlers.AdminJWTClaims

func (v staticValidator) ValidateToken(token string) (*handlers.AdminJWTClaims, error) {
	claims, ok := v[token]
	if !ok {
		return nil, errors.New("token is malformed")
	}
	return claims, nil
}

func newAdminEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	auth := NewAdminAuthMiddleware(logger, staticValidator{
		"good":     {Username: "ops", Role: handlers.AdminRole},
		"readonly": {Username: "viewer", Role: "viewer"},
	})
	r := gin.New()
	r.GET("/admin/ballot", auth.RequireAdminAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": c.GetString(handlers.ContextAdminUsername)})
	})
	return r
}

func TestRequireAdminAuth(t *testing.T) {
	r := newAdminEngine(t)

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, "MISSING_AUTH_HEADER"},
		{"basic scheme", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized, "INVALID_AUTH_FORMAT"},
		{"empty token", "Bearer  ", http.StatusUnauthorized, "EMPTY_TOKEN"},
		{"unknown token", "Bearer forged", http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong role", "Bearer readonly", http.StatusForbidden, "INSUFFICIENT_PERMISSIONS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/ballot", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestRequireAdminAuthStoresOperator(t *testing.T) {
	r := newAdminEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/ballot", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin":"ops"}`, w.Body.String())
}
