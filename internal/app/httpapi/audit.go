package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/token_locker/pkg/logger"
)

type auditEntry struct {
	Time       time.Time `json:"time"`
	Caller     string    `json:"caller"`
	Role       string    `json:"role,omitempty"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// auditLog keeps the most recent state-changing requests in memory and
// mirrors them to the log.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	log     *logger.Logger
}

func newAuditLog(max int, log *logger.Logger) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, log: log}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	l.mu.Unlock()

	if l.log != nil {
		l.log.WithFields(logrus.Fields{
			"caller": entry.Caller,
			"role":   entry.Role,
			"method": entry.Method,
			"path":   entry.Path,
			"status": entry.Status,
		}).Info("audit")
	}
}

func (l *auditLog) listLimit(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]auditEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *auditRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// wrapWithAudit records every request that is not a GET.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		rec := &auditRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Caller:     Caller(r.Context()),
			Role:       Role(r.Context()),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
		})
	})
}
