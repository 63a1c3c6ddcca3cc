package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"

	"github.com/grafana/streamingest/internal/partitions"
	"github.com/grafana/streamingest/internal/sequence"
)

// noticeTimeout bounds how long an HTTP handler waits for the main
// loop to process its notice before giving up.
const noticeTimeout = 10 * time.Second

// Routes registers the supervisor's JSON status/control surface. JSON
// rather than a rendered table since this surface is machine-consumed.
func (s *Supervisor) Routes(router *mux.Router) {
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/suspend", s.suspendHandler).Methods(http.MethodPost)
	router.HandleFunc("/resume", s.resumeHandler).Methods(http.MethodPost)
	router.HandleFunc("/reset", s.resetHandler).Methods(http.MethodPost)
}

func (s *Supervisor) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(s.logger).Log("msg", "failed writing http response", "err", err)
	}
}

type groupStatus struct {
	GroupID      int      `json:"groupId"`
	Partitions   []string `json:"partitions"`
	ReplicaCount int      `json:"replicaCount"`
	CreatedAt    string   `json:"createdAt"`
	Pending      bool     `json:"pending"`
}

func (s *Supervisor) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := struct {
		DataSource string        `json:"dataSource"`
		Suspended  bool          `json:"suspended"`
		Groups     []groupStatus `json:"groups"`
	}{
		DataSource: s.dataSource,
		Suspended:  s.suspended,
	}
	for _, g := range s.groups {
		out.Groups = append(out.Groups, groupStatus{
			GroupID:      g.GroupID,
			Partitions:   partitionKeys(g.StartOffsets),
			ReplicaCount: len(g.ReplicaTaskIDs),
			CreatedAt:    g.CreatedAt.Format(time.RFC3339),
		})
	}
	for _, pendings := range s.pendingCompletion {
		for _, pg := range pendings {
			out.Groups = append(out.Groups, groupStatus{
				GroupID:      pg.GroupID,
				Partitions:   partitionKeys(pg.StartOffsets),
				ReplicaCount: len(pg.ReplicaTaskIDs),
				CreatedAt:    pg.CreatedAt.Format(time.RFC3339),
				Pending:      true,
			})
		}
	}
	s.writeJSON(w, out)
}

func (s *Supervisor) suspendHandler(w http.ResponseWriter, req *http.Request) {
	s.submitNotice(w, req, newNotice(noticeSuspend))
}

func (s *Supervisor) resumeHandler(w http.ResponseWriter, req *http.Request) {
	s.submitNotice(w, req, newNotice(noticeResume))
}

// resetHandler accepts an optional JSON body {"streamId":..., "partitions":
// {"<id>":"<offset>", ...}}; an empty or absent body resets everything
// known for the datasource.
func (s *Supervisor) resetHandler(w http.ResponseWriter, req *http.Request) {
	var body struct {
		StreamID   string            `json:"streamId"`
		Partitions map[string]string `json:"partitions"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	n := newNotice(noticeReset)
	if len(body.Partitions) > 0 {
		meta := partitions.NewDataSourceMetadata(body.StreamID, decodeResetPartitions(s.flavor, body.Partitions))
		n.ResetMetadata = &meta
	}
	s.submitNotice(w, req, n)
}

func (s *Supervisor) submitNotice(w http.ResponseWriter, req *http.Request, n *notice) {
	if st := s.State(); st != services.Running {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.notices.Add(n); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), noticeTimeout)
	defer cancel()

	select {
	case <-n.done:
		if n.err != nil {
			http.Error(w, n.err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case <-ctx.Done():
		w.WriteHeader(http.StatusAccepted)
	}
}

func partitionKeys(m map[partitions.ID]sequence.Number) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, keyString(id))
	}
	return out
}

func keyString(id partitions.ID) string {
	switch v := id.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	default:
		return ""
	}
}

// decodeResetPartitions mirrors taskclient's wire convention (plain
// decimal or opaque string offsets, independent of the persisted
// metadata-store encoding) for the one endpoint that accepts offsets
// directly from an HTTP caller rather than from a task.
func decodeResetPartitions(flavor partitions.Flavor, m map[string]string) map[partitions.ID]sequence.Number {
	out := make(map[partitions.ID]sequence.Number, len(m))
	for k, v := range m {
		switch flavor {
		case partitions.FlavorInt64:
			iv, _ := strconv.ParseInt(k, 10, 32)
			nv, _ := strconv.ParseInt(v, 10, 64)
			out[int32(iv)] = sequence.NewInt64(nv)
		default:
			out[k] = sequence.NewBigString(v)
		}
	}
	return out
}
