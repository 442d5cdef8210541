package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// adminPINHeader carries the operator PIN on admin routes.
const adminPINHeader = "X-Admin-PIN"

type statusCodeCapturingResponseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	statusCode  int
}

func (l *statusCodeCapturingResponseWriter) Write(p []byte) (n int, err error) {
	l.wroteHeader = true
	return l.ResponseWriter.Write(p)
}

func (l *statusCodeCapturingResponseWriter) WriteHeader(code int) {
	if !l.wroteHeader {
		l.statusCode = code
		l.wroteHeader = true
	}
	l.ResponseWriter.WriteHeader(code)
}

// Flush passes the streaming flush through so SSE survives the capture
// wrapper.
func (l *statusCodeCapturingResponseWriter) Flush() {
	if flusher, ok := l.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "testpulse_http_request_duration_seconds",
	Help: "request latency by method, route and status",
}, []string{"method", "path", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

func (s *Server) loggingWrapper(route string, upstream func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		logger := s.logger.WithFields(logrus.Fields{
			"UID":    uuid.NewString(),
			"path":   r.URL.Path,
			"method": r.Method,
		})
		capturingWriter := &statusCodeCapturingResponseWriter{w, false, http.StatusOK}
		start := time.Now()
		defer func() {
			requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(capturingWriter.statusCode)).
				Observe(time.Since(start).Seconds())
			logger = logger.WithFields(logrus.Fields{
				"status":   capturingWriter.statusCode,
				"duration": time.Since(start).String(),
			})
			logFunc := logger.Debug
			if capturingWriter.statusCode > 499 {
				logFunc = logger.Error
			}
			logFunc("responded")
		}()
		upstream(logger, capturingWriter, r, p)
	}
}

// adminWrapper authenticates the operator PIN: a missing header is 401,
// a wrong one 403.
func (s *Server) adminWrapper(upstream func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params) {
	return func(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		pin := r.Header.Get(adminPINHeader)
		if pin == "" {
			writeError(w, http.StatusUnauthorized, "admin PIN required")
			return
		}
		digest := sha256.Sum256([]byte(pin))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(digest[:])), []byte(s.adminPINHash)) != 1 {
			writeError(w, http.StatusForbidden, "admin PIN rejected")
			return
		}
		upstream(logger, w, r, p)
	}
}
