package routes

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"convertd/auth"
	"convertd/logger"
)

// statusRecorder captures the status code; it passes Hijack through so
// websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithFields(logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Debugf("HTTP request")
	})
}

// bearerToken reads the token from the Authorization header, or from
// ?access_token= for websocket clients that cannot set headers.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
		return "", errors.New("authorization header required")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.opts.Auth.SecretKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, err := bearerToken(r)
		if err == nil {
			_, err = auth.Verify(token, h.opts.Auth)
		}
		if err != nil {
			logger.Warnf("Rejected request to %s: %v", r.URL.Path, err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token: " + err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
