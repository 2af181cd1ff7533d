package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	clerkUserIDContextKey contextKey = "clerkUserID"
	clerkEmailContextKey  contextKey = "clerkEmail"
	clerkNameContextKey   contextKey = "clerkName"
)

// AuthMiddlewareConfig controls how incoming requests are authenticated.
type AuthMiddlewareConfig struct {
	JWKSURL             string
	ExpectedAudience    string
	ExpectedIssuer      string
	AllowHeaderFallback bool
}

// sessionClaims is what the usage API reads from a Clerk session token.
type sessionClaims struct {
	UserID string
	Email  string
	Name   string
}

type jwksVerifier struct {
	jwksURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	mu       sync.RWMutex
	expires  time.Time
	keyByKID map[string]*rsa.PublicKey
}

func newJWKSVerifier(jwksURL string) *jwksVerifier {
	return &jwksVerifier{
		jwksURL:    strings.TrimSpace(jwksURL),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
		keyByKID:   map[string]*rsa.PublicKey{},
	}
}

// ClerkAuthMiddleware validates Clerk JWTs and injects the Clerk user into context.
// For local runs, the X-Clerk-User-Id header can be trusted via config.
func ClerkAuthMiddleware(cfg AuthMiddlewareConfig) func(http.Handler) http.Handler {
	verifier := newJWKSVerifier(cfg.JWKSURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader != "" {
				tokenString, ok := bearerToken(authHeader)
				if !ok {
					respondWithError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
					return
				}

				claims, err := verifier.validateToken(
					r.Context(),
					tokenString,
					strings.TrimSpace(cfg.ExpectedAudience),
					strings.TrimSpace(cfg.ExpectedIssuer),
				)
				if err != nil {
					respondWithError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims)))
				return
			}

			if cfg.AllowHeaderFallback {
				if userID := strings.TrimSpace(r.Header.Get("X-Clerk-User-Id")); userID != "" {
					claims := sessionClaims{
						UserID: userID,
						Email:  strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Email"))),
					}
					next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims)))
					return
				}
			}

			respondWithError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		})
	}
}

func withSession(ctx context.Context, claims sessionClaims) context.Context {
	ctx = context.WithValue(ctx, clerkUserIDContextKey, claims.UserID)
	if claims.Email != "" {
		ctx = context.WithValue(ctx, clerkEmailContextKey, claims.Email)
	}
	if claims.Name != "" {
		ctx = context.WithValue(ctx, clerkNameContextKey, claims.Name)
	}
	return ctx
}

// GetClerkUserID returns the authenticated Clerk user ID from request context.
func GetClerkUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(clerkUserIDContextKey).(string)
	return userID, ok && userID != ""
}

// GetClerkUserEmail returns the authenticated email from request context when available.
func GetClerkUserEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(clerkEmailContextKey).(string)
	return email, ok
}

// GetClerkUserName returns the display name carried by the session token, if any.
func GetClerkUserName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(clerkNameContextKey).(string)
	return name, ok
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

func (v *jwksVerifier) validateToken(
	ctx context.Context,
	tokenString string,
	expectedAudience string,
	expectedIssuer string,
) (sessionClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithLeeway(30*time.Second))
	claims := jwt.MapClaims{}

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, errors.New("missing kid in token")
		}
		return v.getPublicKey(ctx, kid)
	})
	if err != nil || !token.Valid {
		return sessionClaims{}, errors.New("token validation failed")
	}

	if expectedIssuer != "" {
		issuer, ok := claims["iss"].(string)
		if !ok || issuer != expectedIssuer {
			return sessionClaims{}, errors.New("issuer mismatch")
		}
	}

	if expectedAudience != "" {
		if !verifyAudienceClaim(claims["aud"], expectedAudience) {
			return sessionClaims{}, errors.New("audience mismatch")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(sub) == "" {
		return sessionClaims{}, errors.New("subject claim missing")
	}

	return sessionClaims{
		UserID: sub,
		Email:  stringClaim(claims, strings.ToLower, "email", "email_address", "primary_email_address"),
		Name:   stringClaim(claims, nil, "name", "full_name"),
	}, nil
}

func verifyAudienceClaim(audClaim any, expected string) bool {
	switch aud := audClaim.(type) {
	case string:
		return aud == expected
	case []any:
		for _, item := range aud {
			s, ok := item.(string)
			if ok && s == expected {
				return true
			}
		}
	case []string:
		for _, item := range aud {
			if item == expected {
				return true
			}
		}
	}
	return false
}

func (v *jwksVerifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.getCachedKey(kid); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	if key := v.getCachedKey(kid); key != nil {
		return key, nil
	}

	return nil, fmt.Errorf("key not found for kid %s", kid)
}

func (v *jwksVerifier) getCachedKey(kid string) *rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if time.Now().After(v.expires) {
		return nil
	}
	return v.keyByKID[kid]
}

func (v *jwksVerifier) refreshKeys(ctx context.Context) error {
	if v.jwksURL == "" {
		return errors.New("jwks url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	keys := map[string]*rsa.PublicKey{}
	for _, key := range payload.Keys {
		if key.Kid == "" || key.Kty != "RSA" || key.N == "" || key.E == "" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no usable RSA keys in JWKS")
	}

	v.mu.Lock()
	v.keyByKID = keys
	v.expires = time.Now().Add(v.cacheTTL)
	v.mu.Unlock()

	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// stringClaim returns the first non-empty claim among keys, looking in the Clerk namespaced
// claims object as well.
func stringClaim(claims jwt.MapClaims, normalize func(string) string, keys ...string) string {
	sources := []map[string]any{claims}
	if nested, ok := claims["https://clerk.dev/claims"].(map[string]any); ok {
		sources = append(sources, nested)
	}
	for _, source := range sources {
		for _, key := range keys {
			value, ok := source[key].(string)
			if !ok {
				continue
			}
			trimmed := strings.TrimSpace(value)
			if normalize != nil {
				trimmed = normalize(trimmed)
			}
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
