package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Authentication methods. MethodNone is a development-only escape hatch
// and logs a warning on every verification.
const (
	MethodAPIKey = "api_key"
	MethodHMAC   = "hmac"
	MethodBasic  = "basic"
	MethodNone   = "none"
)

// Headers consumed by verification.
const (
	HeaderAPIKey       = "X-API-Key"
	HeaderSignature    = "X-Webhook-Signature"
	HeaderHubSignature = "X-Hub-Signature-256"
)

// VerdictError is a verification rejection with a machine-readable kind
// and the HTTP status the ingress should answer with.
type VerdictError struct {
	Kind   string
	Status int
}

func (e *VerdictError) Error() string {
	return fmt.Sprintf("webhook: %s", e.Kind)
}

func unauthorized(kind string) *VerdictError {
	return &VerdictError{Kind: kind, Status: http.StatusUnauthorized}
}

func misconfigured(kind string) *VerdictError {
	return &VerdictError{Kind: kind, Status: http.StatusInternalServerError}
}

// Secrets resolves the shared secrets verification compares against.
// Implementations typically decrypt ciphertexts held in the settings
// store; values are resolved per call, never cached here.
type Secrets interface {
	APIKey(ctx context.Context) (string, error)
	HMACSecret(ctx context.Context) (string, error)
	BasicCredentials(ctx context.Context) (user, pass string, err error)
}

// Authenticator decides whether an inbound request is authorized. It holds
// no state beyond its configuration; the duplicate cache lives in
// DuplicateDetector.
type Authenticator struct {
	method  string
	secrets Secrets
	logger  *slog.Logger
}

// NewAuthenticator builds an authenticator for the configured method.
func NewAuthenticator(method string, s Secrets, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{method: method, secrets: s, logger: logger}
}

// Verify checks the request against the configured method. The body is
// passed separately because the caller has already drained it for size
// limiting and duplicate hashing.
func (a *Authenticator) Verify(ctx context.Context, r *http.Request, body []byte) error {
	switch a.method {
	case MethodAPIKey:
		return a.verifyAPIKey(ctx, r)
	case MethodHMAC:
		return a.verifyHMAC(ctx, r, body)
	case MethodBasic:
		return a.verifyBasic(ctx, r)
	case MethodNone:
		a.logger.Warn("webhook authentication disabled, accepting unverified request",
			"method", MethodNone, "path", r.URL.Path)
		return nil
	default:
		// Unknown method fails closed, never silently permits.
		return misconfigured("auth_method_invalid")
	}
}

func (a *Authenticator) verifyAPIKey(ctx context.Context, r *http.Request) error {
	presented := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if presented == "" {
		return unauthorized("api_key_missing")
	}
	stored, err := a.secrets.APIKey(ctx)
	if err != nil || stored == "" {
		return misconfigured("api_key_not_configured")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) != 1 {
		return unauthorized("api_key_invalid")
	}
	return nil
}

func (a *Authenticator) verifyHMAC(ctx context.Context, r *http.Request, body []byte) error {
	header := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if header == "" {
		header = strings.TrimSpace(r.Header.Get(HeaderHubSignature))
	}
	if header == "" {
		return unauthorized("signature_missing")
	}
	secret, err := a.secrets.HMACSecret(ctx)
	if err != nil || secret == "" {
		return misconfigured("signature_secret_not_configured")
	}

	// GitHub-style headers carry a sha256= prefix.
	signature := strings.TrimSpace(strings.TrimPrefix(header, "sha256="))
	presented, err := hex.DecodeString(signature)
	if err != nil {
		return unauthorized("signature_invalid")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if subtle.ConstantTimeCompare(presented, mac.Sum(nil)) != 1 {
		return unauthorized("signature_invalid")
	}
	return nil
}

func (a *Authenticator) verifyBasic(ctx context.Context, r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Basic ") {
		return unauthorized("credentials_missing")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return unauthorized("invalid_credentials_encoding")
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return unauthorized("invalid_credentials_encoding")
	}

	wantUser, wantPass, err := a.secrets.BasicCredentials(ctx)
	if err != nil || wantUser == "" {
		return misconfigured("credentials_not_configured")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	if !userOK || !passOK {
		return unauthorized("invalid_credentials")
	}
	return nil
}

// SignBody computes the hex HMAC-SHA256 signature for body, the inverse of
// verifyHMAC. Used by tests and by the outbound callback signer.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
