package gatex

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newAdminRouter builds the operational surface served on the admin
// listener: liveness and readiness probes, Prometheus metrics, manual
// reload and a dump of the active routing table. When cfg.AuthToken is
// set, every endpoint requires it as a Bearer token.
func newAdminRouter(rc *ReloadController, cfg AdminConfig, logger Logger) *mux.Router {
	router := mux.NewRouter()
	RegisterRecoverMiddleware(router, logger)
	RegisterSimpleAuthMiddleware(router, cfg.AuthToken)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if rc.Table().Len() == 0 {
			http.Error(w, "Not Ready: no routing table loaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Reload(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"status":   "failed",
					"problems": verr.Problems,
				})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status": "failed",
				"error":  err.Error(),
			})
			return
		}

		table := rc.Table()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  string(rc.State()),
			"version": table.Version,
			"rules":   table.Len(),
		})
	}).Methods("POST")

	router.HandleFunc("/rules", func(w http.ResponseWriter, r *http.Request) {
		table := rc.Table()
		if table == nil {
			http.Error(w, "no routing table loaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":   table.Version,
			"loaded_at": table.LoadedAt,
			"state":     string(rc.State()),
			"rules":     table.Rules(),
		})
	}).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
