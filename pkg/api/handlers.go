package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/barclamp/pkg/engine"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			status["ok"] = false
			status["db"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	listing, err := s.svc.Modules(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listing)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"versions": s.svc.Versions(r.Context()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.List(r.Context(), chi.URLParam(r, "barclamp"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members(r.Context(), chi.URLParam(r, "barclamp"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"barclamp": chi.URLParam(r, "barclamp"),
		"members":  members,
	})
}

func (s *Server) handleProposalNames(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.List(r.Context(), chi.URLParam(r, "barclamp"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	names := make([]string, 0, len(list.Proposals))
	for _, p := range list.Proposals {
		names = append(names, p.Name)
	}
	respondJSON(w, http.StatusOK, names)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.svc.Create(r.Context(), req)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ListStatuses(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		body := errorBody(err)
		if report != nil {
			body["proposals"] = report.Statuses
			body["count"] = report.Count
		}
		respondJSON(w, engine.StatusCode(err), body)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Show(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req engine.EditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.svc.Edit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleUpdate serves the console form: ?action=save (default), commit, dequeue or delete.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	switch action := r.URL.Query().Get("action"); action {
	case "", "save":
		s.handleEdit(w, r)

	case "commit":
		var req engine.EditRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.svc.SaveAndCommit(r.Context(), id, req)
		respondCommit(w, res, err)

	case "dequeue":
		s.handleDequeue(w, r)

	case "delete":
		s.handleDelete(w, r)

	default:
		respondError(w, http.StatusBadRequest, "unknown action: "+action)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Commit(r.Context(), chi.URLParam(r, "id"))
	respondCommit(w, res, err)
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.svc.Dequeue(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "dequeued": removed})
}

func (s *Server) handleShowActive(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.ShowActive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target := r.URL.Query().Get("target")
	if err := s.svc.Activate(r.Context(), id, target); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": true, "target_id": target})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Deactivate(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": false})
}

type transitionRequest struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (s *Server) handleRecordTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.svc.RecordTransition(r.Context(), chi.URLParam(r, "target"), req.Name, req.State)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQueryTransitions(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	states, err := s.svc.QueryTransitions(r.Context(), target)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"target_id": target, "nodes": states})
}

func (s *Server) handleTransitionHistory(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	records, err := s.svc.TransitionHistory(r.Context(), target)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"target_id": target, "records": records})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.QueueEntries(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}
