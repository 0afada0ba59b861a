// Package server exposes the review and control surface over HTTP: queue
// inspection, decisions, run control and a websocket event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/blob"
	"artgen/internal/orchestrator"
	"artgen/internal/spec"
)

type Server struct {
	orch  *orchestrator.Orchestrator
	blobs blob.Store
	runID string
}

func New(orch *orchestrator.Orchestrator, blobs blob.Store, runID string) *Server {
	return &Server{orch: orch, blobs: blobs, runID: runID}
}

// Handler returns the route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queue", s.handleQueueList)
	mux.HandleFunc("/queue/next", s.handleQueueNext)
	mux.HandleFunc("/queue/decide", s.handleDecide)
	mux.HandleFunc("/queue/skip", s.handleSkip)
	mux.HandleFunc("/queue/regenerate", s.handleRegenerate)
	mux.HandleFunc("/control/pause", s.handleControl("pause"))
	mux.HandleFunc("/control/resume", s.handleControl("resume"))
	mux.HandleFunc("/control/stop", s.handleControl("stop"))
	mux.HandleFunc("/events", s.handleEvents)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// itemView is the wire shape of an approval item, with presigned artifact
// URLs when the blob store provides them.
type itemView struct {
	ID          string             `json:"id"`
	AssetID     string             `json:"asset_id"`
	StepID      string             `json:"step_id"`
	Mode        spec.SelectionMode `json:"mode"`
	Prompt      string             `json:"prompt,omitempty"`
	Context     map[string]any     `json:"context,omitempty"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	Revision    int64              `json:"revision"`
	CreatedAt   string             `json:"created_at"`
	Options     []optionView       `json:"options"`
}

type optionView struct {
	Index  int                `json:"index"`
	Kind   asset.ArtifactKind `json:"kind"`
	Text   string             `json:"text,omitempty"`
	Ref    string             `json:"ref,omitempty"`
	URL    string             `json:"url,omitempty"`
	Params map[string]any     `json:"params,omitempty"`
}

func (s *Server) viewOf(ctx context.Context, it *approval.Item) itemView {
	v := itemView{
		ID:          it.ID,
		AssetID:     it.AssetID,
		StepID:      it.StepID,
		Mode:        it.Mode,
		Prompt:      it.Prompt,
		Context:     it.Context,
		Attempt:     it.Attempt,
		MaxAttempts: it.MaxAttempts,
		Revision:    it.Revision,
		CreatedAt:   it.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	for i, art := range it.Variations {
		opt := optionView{Index: i, Kind: art.Kind, Params: art.GenerationParams}
		if art.Inline {
			opt.Text = art.ContentRef
		} else {
			opt.Ref = art.ContentRef
			if s.blobs != nil {
				if url, err := s.blobs.GetURL(ctx, s.runID, art.ContentRef); err == nil {
					opt.URL = url
				}
			}
		}
		v.Options = append(v.Options, opt)
	}
	return v
}

func (s *Server) queue() *approval.Queue { return s.orch.Queue() }

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := s.queue()
	if q == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []itemView{}})
		return
	}
	items := q.List()
	views := make([]itemView, 0, len(items))
	for _, it := range items {
		views = append(views, s.viewOf(r.Context(), it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "revision": q.Revision()})
}

func (s *Server) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := s.queue()
	if q == nil {
		writeJSON(w, http.StatusOK, map[string]any{"item": nil})
		return
	}
	it, ok := q.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"item": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": s.viewOf(r.Context(), it)})
}

type decideRequest struct {
	ItemID         string `json:"item_id"`
	Revision       int64  `json:"revision"`
	Approved       bool   `json:"approved"`
	SelectedIndex  int    `json:"selected_index"`
	Regenerate     bool   `json:"regenerate"`
	ModifiedPrompt string `json:"modified_prompt"`
}

func (s *Server) decodeDecide(w http.ResponseWriter, r *http.Request) (*decideRequest, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return nil, false
	}
	if strings.TrimSpace(req.ItemID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("item_id is required"))
		return nil, false
	}
	return &req, true
}

func (s *Server) applyDecision(w http.ResponseWriter, itemID string, revision int64, d approval.Decision) {
	q := s.queue()
	if q == nil {
		writeError(w, http.StatusConflict, errors.New("no approval queue in this mode"))
		return
	}
	err := q.Decide(itemID, revision, d)
	var stale *approval.StaleItemError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.As(err, &stale):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDecide(w, r)
	if !ok {
		return
	}
	d := approval.Decision{Action: approval.ActionApprove, SelectedIndex: req.SelectedIndex}
	switch {
	case req.Regenerate:
		d = approval.Decision{Action: approval.ActionRegenerate, ModifiedPrompt: req.ModifiedPrompt}
	case !req.Approved:
		d = approval.Decision{Action: approval.ActionReject, ModifiedPrompt: req.ModifiedPrompt}
	}
	s.applyDecision(w, req.ItemID, req.Revision, d)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDecide(w, r)
	if !ok {
		return
	}
	s.applyDecision(w, req.ItemID, req.Revision, approval.Decision{Action: approval.ActionSkip})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDecide(w, r)
	if !ok {
		return
	}
	s.applyDecision(w, req.ItemID, req.Revision, approval.Decision{
		Action:         approval.ActionRegenerate,
		ModifiedPrompt: req.ModifiedPrompt,
	})
}

func (s *Server) handleControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch action {
		case "pause":
			s.orch.Pause()
		case "resume":
			s.orch.Resume()
		case "stop":
			s.orch.Stop()
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": s.orch.Status()})
	}
}
