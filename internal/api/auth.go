package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"dailysync/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	permRead            = "read:sync"
	permWrite           = "write:sync"
	clientKeyUnknown    = "unknown"
	healthMethodPrefix  = "/grpc.health.v1.Health/"
)

var (
	errMissingKey       = errors.New("missing api key header")
	errInvalidKey       = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring resolves API keys to clients and checks their permissions.
// An empty permission list allows everything.
type keyring struct {
	header  string
	clients []config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	header := strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	return &keyring{header: header, clients: cfg.APIKeys}
}

func (k *keyring) authorize(apiKey, required string) error {
	if apiKey == "" {
		return errMissingKey
	}
	client, ok := k.lookup(apiKey)
	if !ok {
		return errInvalidKey
	}
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		// write implies read
		if p == required || (required == permRead && p == permWrite) {
			return nil
		}
	}
	return errPermissionDenied
}

func (k *keyring) lookup(apiKey string) (config.APIClientKey, bool) {
	for _, c := range k.clients {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(apiKey)) == 1 {
			return c, true
		}
	}
	return config.APIClientKey{}, false
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *RateLimiter
}

func NewHTTPAuth(cfg config.APIConfig, limiter *RateLimiter) *HTTPAuth {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit)
	}
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg.Auth), limiter: limiter}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			apiKey := strings.TrimSpace(r.Header.Get(a.keys.header))
			if err := a.keys.authorize(apiKey, requiredPermissionHTTP(r)); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return permRead
	default:
		return permWrite
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.header)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// AuthInterceptor applies the same key and rate checks to gRPC calls.
type AuthInterceptor struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *RateLimiter
}

func NewAuthInterceptor(cfg config.APIConfig, limiter *RateLimiter) *AuthInterceptor {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit)
	}
	return &AuthInterceptor{cfg: cfg, keys: newKeyring(cfg.Auth), limiter: limiter}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		// health probes stay open for load balancers
		if a.cfg.Auth.Enabled && !strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			if err := a.keys.authorize(a.apiKey(ctx), permRead); err != nil {
				code := codes.Unauthenticated
				if errors.Is(err, errPermissionDenied) {
					code = codes.PermissionDenied
				}
				return nil, status.Error(code, err.Error())
			}
		}
		if !a.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) apiKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return first(md.Get(a.keys.header))
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	if apiKey := a.apiKey(ctx); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		dur := time.Since(start)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}

		remote := clientKeyUnknown
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Info().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", code.String()).
			Dur("duration", dur).
			Msg("grpc request")

		return resp, err
	}
}

const requestIDHeader = "x-request-id"

func requestIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if id := first(md.Get(requestIDHeader)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
