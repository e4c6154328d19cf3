package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrdag/handlers"
)

// RegisterRoutes sets up all the HTTP routes for the DAG. A nil gatherer
// leaves out the metrics endpoint.
func RegisterRoutes(r *mux.Router, h *handlers.Handler, gatherer prometheus.Gatherer) {

	// Admits a vertex that references existing vertices as parents
	r.HandleFunc("/vertices", h.SubmitVertex).Methods("POST")

	// Admits a raw payload as a genesis vertex under its content id
	r.HandleFunc("/messages", h.AddMessage).Methods("POST")

	r.HandleFunc("/vertices/{id}", h.GetVertex).Methods("GET")

	r.HandleFunc("/tips", h.GetTips).Methods("GET")

	// Picks parents for a new vertex with the weighted random walk
	r.HandleFunc("/tips/select", h.SelectTips).Methods("GET")

	// Finalized vertices in total order
	r.HandleFunc("/order", h.GetOrder).Methods("GET")

	r.HandleFunc("/checkpoints", h.CreateCheckpoint).Methods("POST")
	r.HandleFunc("/checkpoints/latest", h.GetLatestCheckpoint).Methods("GET")

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}
