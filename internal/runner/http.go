package runner

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
)

// Routes registers the runner's chat surface onto router.
func (r *Runner) Routes(router *mux.Router) {
	router.HandleFunc("/status", r.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/offsets/current", r.currentOffsetsHandler).Methods(http.MethodGet)
	router.HandleFunc("/offsets/end", r.getEndOffsetsHandler).Methods(http.MethodGet)
	router.HandleFunc("/offsets/end", r.setEndOffsetsHandler).Methods(http.MethodPost)
	router.HandleFunc("/pause", r.pauseHandler).Methods(http.MethodPost)
	router.HandleFunc("/resume", r.resumeHandler).Methods(http.MethodPost)
	router.HandleFunc("/stop", r.stopHandler).Methods(http.MethodPost)
	router.HandleFunc("/checkpoints", r.checkpointsHandler).Methods(http.MethodGet)
	router.HandleFunc("/time/start", r.startTimeHandler).Methods(http.MethodGet)
	router.HandleFunc("/rowStats", r.rowStatsHandler).Methods(http.MethodGet)
}

func (r *Runner) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(r.logger).Log("msg", "failed writing http response", "err", err)
	}
}

func (r *Runner) statusHandler(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, map[string]string{"state": r.Status().String()})
}

func (r *Runner) currentOffsetsHandler(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, encodeOffsets(r.CurrentOffsets()))
}

func (r *Runner) getEndOffsetsHandler(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, encodeOffsets(r.EndOffsets()))
}

func (r *Runner) setEndOffsetsHandler(w http.ResponseWriter, req *http.Request) {
	var wire map[string]string
	if err := json.NewDecoder(req.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	finish, _ := strconv.ParseBool(req.URL.Query().Get("finish"))

	offsets := decodeOffsets(r.id.Flavor, wire)
	if err := r.SetEndOffsets(req.Context(), offsets, finish); err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runner) pauseHandler(w http.ResponseWriter, req *http.Request) {
	offsets, err := r.Pause(req.Context())
	if err != nil {
		writeRunnerError(w, err)
		return
	}
	r.writeJSON(w, encodeOffsets(offsets))
}

func (r *Runner) resumeHandler(w http.ResponseWriter, req *http.Request) {
	if err := r.Resume(req.Context()); err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runner) stopHandler(w http.ResponseWriter, _ *http.Request) {
	r.Stop()
	w.WriteHeader(http.StatusOK)
}

func (r *Runner) checkpointsHandler(w http.ResponseWriter, _ *http.Request) {
	cps := r.Checkpoints()
	wire := make([]map[string]string, 0, len(cps))
	for _, c := range cps {
		wire = append(wire, encodeOffsets(c))
	}
	r.writeJSON(w, wire)
}

func (r *Runner) startTimeHandler(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, map[string]string{"startTime": r.StartTime().Format("2006-01-02T15:04:05.000Z")})
}

func (r *Runner) rowStatsHandler(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, r.RowStats())
}

func writeRunnerError(w http.ResponseWriter, err error) {
	switch err {
	case ErrPauseTimeout:
		http.Error(w, err.Error(), http.StatusAccepted)
	case ErrNotPaused, ErrOffsetRegression, ErrPartitionSetMismatch, ErrInvalidRunnerState:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
