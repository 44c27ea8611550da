package api

import (
	"net/http"
	"time"

	"github.com/andrebq/authbox/internal/logutil"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

type (
	statusRecorder struct {
		http.ResponseWriter
		status int
	}
)

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(buf []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(buf)
}

// instrument logs and measures every request served by h, the logger is
// also made available to h through the request context.
func instrument(base zerolog.Logger, m *metrics, route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		log := base.With().Str("http.method", r.Method).Str("http.route", route).Logger()
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r.WithContext(logutil.WithLogger(r.Context(), log)), ps)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)
		m.record(r.Method, route, rec.status, elapsed)
		ev := log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Int("http.status", rec.status).Dur("elapsed", elapsed).Msg("Request served")
	}
}
