package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"sabarelay.org/internal/authn"
)

const (
	authHeader      = "Authorization"
	bearerScheme    = "Bearer "
	timestampHeader = "X-Relay-Timestamp"
	signatureHeader = "X-Relay-Signature"
)

// withNodeAuth verifies the signed node credential on the request. The body
// is consumed for signature verification and restored for the handler.
func (a *API) withNodeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		nodeID, err := a.deps.Auth.Authenticate(r.Context(), authn.Request{
			Method:    r.Method,
			Path:      r.URL.Path,
			Timestamp: r.Header.Get(timestampHeader),
			Signature: r.Header.Get(signatureHeader),
			Bearer:    bearer,
			Body:      body,
		})
		if err != nil {
			// Failure detail stays in logs and metrics; the response is
			// deliberately uniform.
			writeError(w, r, http.StatusUnauthorized, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(authn.ContextWithNode(r.Context(), nodeID)))
	})
}

// withProducerAuth verifies the producer service token.
func (a *API) withProducerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.producerAuthorized(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// producerAuthorized validates the service token and writes the 401 itself
// when it fails. Used directly by handlers that mix public and producer-only
// sub-resources.
func (a *API) producerAuthorized(w http.ResponseWriter, r *http.Request) bool {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return false
	}
	if _, err := a.deps.Producer.ParseAndValidate(token); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid service token")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerScheme)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerScheme):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
