package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bursar/pkg/auth"
	"bursar/pkg/testutil"
)

func setupRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(auth.JWTAuthMiddleware(secret))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString("user_id"),
			"email":   c.GetString("email"),
		})
	})
	return router
}

func performRequest(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuthMiddleware_ValidToken(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	router := setupRouter(helper.Secret)

	token, err := testutil.DefaultTestUser().GenerateJWT(helper)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	w := performRequest(router, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestJWTAuthMiddleware_MissingToken(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	router := setupRouter(helper.Secret)

	w := performRequest(router, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestJWTAuthMiddleware_ExpiredToken(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	router := setupRouter(helper.Secret)

	token, err := testutil.DefaultTestUser().GenerateExpiredJWT(helper)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	w := performRequest(router, token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", w.Code)
	}
}

func TestJWTAuthMiddleware_WrongSecret(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	router := setupRouter(helper.Secret)

	token, err := helper.GenerateJWTWithWrongSecret("user-1", "u@example.com", "user")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	w := performRequest(router, token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", w.Code)
	}
}

func TestJWTAuthMiddleware_MalformedToken(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	router := setupRouter(helper.Secret)

	w := performRequest(router, helper.GenerateMalformedJWT())
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", w.Code)
	}
}
