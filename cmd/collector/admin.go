package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/covgrid/internal/control"
)

// statusSource is the part of the collector the admin endpoints read.
type statusSource interface {
	Status() control.Status
}

type healthResponse struct {
	Running  bool   `json:"running"`
	Total    int64  `json:"total"`
	Active   int64  `json:"active"`
	Unsaved  bool   `json:"unsaved"`
	Template string `json:"template,omitempty"`
	Output   string `json:"output"`
}

func newAdminMux(src statusSource, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(src, w, r)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// handleHealth answers 200 while the collector accepts submissions and 503
// once it is shutting down. The body is the status snapshot either way.
func handleHealth(src statusSource, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := src.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthResponse{
		Running:  st.Running,
		Total:    st.Total,
		Active:   st.Active,
		Unsaved:  st.Unsaved,
		Template: st.Template,
		Output:   st.Output,
	})
}
