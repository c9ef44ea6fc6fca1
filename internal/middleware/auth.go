package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	adapter "github.com/gwatts/gin-adapter"
)

// SubjectKey holds the caller identity when it comes from a header rather
// than a validated token.
const SubjectKey = "user_id"

// HeaderUser is the header read by HeaderIdentity.
const HeaderUser = "X-User-ID"

// EnsureValidToken validates RS256 access tokens issued by the given Auth0
// domain for the audience.
func EnsureValidToken(domain, audience string) (gin.HandlerFunc, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer url: %w", err)
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the jwt validator: %w", err)
	}

	mw := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"Failed to validate JWT"}`))
		}),
	)

	return adapter.Wrap(mw.CheckJWT), nil
}

// HeaderIdentity trusts the X-User-ID header. Only for local runs and tests.
func HeaderIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := strings.TrimSpace(c.GetHeader(HeaderUser))
		if subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
			return
		}
		c.Set(SubjectKey, subject)
		c.Next()
	}
}

// RequireSubject lets through only callers whose subject is listed. With an
// empty list every caller is refused.
func RequireSubject(subjects ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		subject, _ := GetSubject(c)
		if _, ok := allowed[subject]; !ok || subject == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "NOT_AUTHORIZED", "message": "Administrator access required"})
			return
		}
		c.Next()
	}
}

// GetSubject returns the caller's subject from a validated token, falling
// back to the header identity.
func GetSubject(c *gin.Context) (string, bool) {
	claims, ok := c.Request.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if ok && claims.RegisteredClaims.Subject != "" {
		return claims.RegisteredClaims.Subject, true
	}

	if subject := c.GetString(SubjectKey); subject != "" {
		return subject, true
	}
	return "", false
}

// GetAccessToken returns the bearer token of the request, if any.
func GetAccessToken(c *gin.Context) (string, bool) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
