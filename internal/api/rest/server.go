// Package rest exposes the bot's runtime state over a small HTTP API.
//
// Handlers run on the HTTP server's goroutines; every read or mutation
// of bot state is marshalled onto the session owner goroutine first.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/osa030/eosbot/internal/app/coordinator"
	appprofile "github.com/osa030/eosbot/internal/app/profile"
	"github.com/osa030/eosbot/internal/infra/portal"
)

// Server is the status API server.
type Server struct {
	portal   *portal.Session
	profiles *appprofile.Manager
	coord    *coordinator.Coordinator
	srv      *http.Server
}

// NewServer creates a server bound to addr.
func NewServer(addr string, p *portal.Session, profiles *appprofile.Manager,
	coord *coordinator.Coordinator) *Server {
	s := &Server{
		portal:   p,
		profiles: profiles,
		coord:    coord,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/check", s.handleCheck).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(r, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving on a background goroutine.
func (s *Server) Start() {
	go func() {
		zlog.Info().Str("addr", s.srv.Addr).Msg("api server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error().Err(err).Msg("api server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type profileStatus struct {
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	Valid     bool   `json:"valid"`
}

type scheduledStatus struct {
	Username string    `json:"username"`
	ChatLink string    `json:"chat_link"`
	JoinTime time.Time `json:"join_time"`
	Fired    bool      `json:"fired"`
}

type statusResponse struct {
	Profiles      []profileStatus   `json:"profiles"`
	ActiveChat    string            `json:"active_chat,omitempty"`
	ChatSessionID string            `json:"chat_session_id,omitempty"`
	Scheduled     []scheduledStatus `json:"scheduled"`
}

func (s *Server) snapshot() statusResponse {
	var resp statusResponse
	s.portal.InvokeWait(func() {
		for _, p := range s.profiles.All() {
			resp.Profiles = append(resp.Profiles, profileStatus{
				Username:  p.Username,
				FullName:  p.FullName,
				ProfileID: p.ProfileID,
				Valid:     p.Valid,
			})
		}
		if sess := s.coord.ActiveSession(); sess != nil {
			resp.ActiveChat = sess.ChatIndexLink()
			resp.ChatSessionID = sess.ID()
		}
		for _, sc := range s.coord.Scheduled() {
			resp.Scheduled = append(resp.Scheduled, scheduledStatus{
				Username: sc.Username,
				ChatLink: sc.ChatLink,
				JoinTime: sc.JoinTime,
				Fired:    sc.Fired,
			})
		}
	})
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleCheck re-runs the check/login fallback for every profile and
// returns the resulting state.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.portal.InvokeWait(func() {
		s.coord.CheckProfiles()
	})
	writeJSON(w, http.StatusOK, s.snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("failed to encode api response")
	}
}
