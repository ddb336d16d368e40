package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"boardline/internal/events"
)

// AuthConfig controls how API callers are identified. The actor of a
// request is recorded on every change it makes to the local store.
type AuthConfig struct {
	JWTSecret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// AllowLegacyActorHeader trusts X-Actor-Id when no bearer token is sent.
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return events.WithActor(ctx, p.ActorID)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

var (
	errNoCredentials  = errors.New("authentication required")
	errBadCredentials = errors.New("invalid credentials")
)

type authenticator struct {
	parser      *jwt.Parser
	secret      []byte
	legacy      bool
	logger      *slog.Logger
	publicPaths map[string]bool
	basePath    string
}

func newAuthenticator(basePath string, cfg AuthConfig) *authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &authenticator{
		parser:   jwt.NewParser(opts...),
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		legacy:   cfg.AllowLegacyActorHeader,
		logger:   logger,
		basePath: basePath,
		publicPaths: map[string]bool{
			path.Join(basePath, "health"):       true,
			path.Join(basePath, "openapi.json"): true,
			path.Join(basePath, "docs"):         true,
		},
	}
}

func (a *authenticator) public(p string) bool {
	// Only the API base path is protected; /metrics is scraped as is.
	return !strings.HasPrefix(p, a.basePath) || a.publicPaths[p]
}

func (a *authenticator) token(raw string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &jwtClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

// authenticate resolves the caller. A bearer token always wins over the
// legacy header.
func (a *authenticator) authenticate(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, raw, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
			return Principal{}, errBadCredentials
		}
		p, err := a.token(strings.TrimSpace(raw))
		if err != nil {
			a.logger.Debug("jwt rejected", "error", err)
			return Principal{}, errBadCredentials
		}
		return p, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.legacy {
		a.logger.Warn("using legacy X-Actor-Id header without auth", "actor_id", actor, "path", req.URL.Path)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, errNoCredentials
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	auth := newAuthenticator(basePath, cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if auth.public(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			p, err := auth.authenticate(req)
			switch {
			case errors.Is(err, errNoCredentials):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil))
				return
			case err != nil:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
