package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	v1 "github.com/jdholdren/dolate/api/daemon/v1"
	"github.com/jdholdren/dolate/internal/dolate"
	dolerrs "github.com/jdholdren/dolate/internal/errors"
	"github.com/jdholdren/dolate/internal/syncer"
)

type (
	statusResp struct {
		syncer.StatusView
		UserID string `json:"user_id,omitempty"`
	}

	drainResp struct {
		syncer.DrainResult
		// Message is what the app shows, empty when everything went through.
		Message string `json:"message,omitempty"`
	}
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	return WriteJSON(w, http.StatusOK, statusResp{
		StatusView: s.status.View(),
		UserID:     s.articles.UserID(),
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeValid[v1.SignInRequest](r.Body)
	if err != nil {
		return err
	}

	res, err := s.sessions.SignIn(r.Context(), req.UserID)
	if err != nil {
		return fmt.Errorf("error signing in: %w", err)
	}

	return WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) error {
	discarded, err := s.sessions.SignOut(r.Context())
	if err != nil {
		return err
	}

	resp := v1.SignOutResponse{Discarded: discarded}
	if discarded > 0 {
		resp.Warning = fmt.Sprintf("%d unsynced changes were discarded", discarded)
	}
	return WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeValid[v1.NetworkRequest](r.Body)
	if err != nil {
		return err
	}

	s.network.Observe(r.Context(), *req.Online)
	return WriteJSON(w, http.StatusOK, s.status.View())
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) error {
	res := s.syncer.FullSync(r.Context())
	if errors.Is(res.Err, dolate.ErrNoSession) {
		return res.Err
	}
	if res.Err != nil {
		return dolerrs.E(pendingMessage(s.status.Pending()), http.StatusServiceUnavailable, dolerrs.KindTransient)
	}

	return WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) error {
	return s.writeDrain(w, s.syncer.DrainQueue(r.Context()))
}

func (s *Server) handleSyncArticle(w http.ResponseWriter, r *http.Request) error {
	return s.writeDrain(w, s.syncer.SyncArticle(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) error {
	if s.articles.UserID() == "" {
		return dolate.ErrNoSession
	}

	ops, err := s.syncer.Failed(r.Context())
	if err != nil {
		return err
	}
	if ops == nil {
		ops = []dolate.Operation{}
	}

	return WriteJSON(w, http.StatusOK, v1.FailedResponse{Operations: ops})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) error {
	return s.writeDrain(w, s.syncer.RetryFailed(r.Context()))
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) error {
	conflicts, err := s.syncer.CheckConflicts(r.Context())
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, v1.ConflictsResponse{Conflicts: conflicts})
}

func (s *Server) writeDrain(w http.ResponseWriter, res syncer.DrainResult) error {
	if res.Err != nil {
		return res.Err
	}

	resp := drainResp{DrainResult: res}
	switch {
	case res.AlreadyRunning:
		resp.Message = "sync already in progress"
	case res.Failed > 0:
		resp.Message = pendingMessage(res.Pending)
	case res.Discarded+res.Rejected > 0:
		resp.Message = fmt.Sprintf("%d operations discarded", res.Discarded+res.Rejected)
	}

	return WriteJSON(w, http.StatusOK, resp)
}

func pendingMessage(pending int) string {
	return fmt.Sprintf("sync failed, %d changes pending", pending)
}
