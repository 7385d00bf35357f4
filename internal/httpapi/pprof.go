package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"

	"github.com/go-chi/chi/v5"
)

func mountPprof(r chi.Router) {
	r.Get("/debug/pprof", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/debug/pprof/", http.StatusPermanentRedirect)
	})
	r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	// Index also serves named profiles (heap, goroutine, ...).
	r.HandleFunc("/debug/pprof/*", hpprof.Index)
}
