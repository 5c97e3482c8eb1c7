package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestIssueAndParse(t *testing.T) {
	token, err := IssueToken(secret, "alice", "Alice", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Name)

	_, err = ParseToken("other-secret", token)
	assert.Error(t, err)
}

func TestParseRejectsExpiredAndAnonymous(t *testing.T) {
	expired, err := IssueToken(secret, "alice", "Alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.Error(t, err)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(secret, anonymous)
	assert.Error(t, err)
}

func TestNameDefaultsToUserID(t *testing.T) {
	token, err := IssueToken(secret, "bob", "", time.Hour)
	require.NoError(t, err)
	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Name)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	r.Header.Set("Authorization", "Bearer xyz")
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	r.Header.Set("Authorization", "Basic xyz")
	_, err = TokenFromRequest(r)
	assert.Error(t, err)

	_, err = TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Error(t, err)
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserID), "name": c.GetString(ContextName)})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := IssueToken(secret, "alice", "Alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice","name":"Alice"}`, w.Body.String())
}
