package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type credentialRequest struct {
	Name         string `json:"name"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.ClientSecret) == "" {
		s.fail(w, r, fmt.Errorf("%w: client_id and client_secret are required", registrar.ErrInvalidArgument))
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.fail(w, r, fmt.Errorf("credential id: %w", err))
		return
	}
	cred := registrar.Credential{
		ID:           id,
		Owner:        userID(r),
		Name:         strings.TrimSpace(req.Name),
		ClientID:     strings.TrimSpace(req.ClientID),
		ClientSecret: req.ClientSecret,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.credentials.CreateCredential(r.Context(), cred); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials.ListCredentials(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": creds})
}
