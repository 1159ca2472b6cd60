package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/bulk-registrar/internal/auth"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const maxJSONBody = 1 << 20

func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func pathID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// parsePage reads page and size. Missing values keep the service defaults.
func parsePage(r *http.Request) (registrar.Page, error) {
	q := r.URL.Query()
	var page registrar.Page
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page, fmt.Errorf("%w: invalid page", registrar.ErrInvalidArgument)
		}
		page.Number = n
	}
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page, fmt.Errorf("%w: invalid size", registrar.ErrInvalidArgument)
		}
		page.Size = n
	}
	return page, nil
}

func parseOptionalBool(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", registrar.ErrInvalidArgument, key)
	}
	return &v, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", registrar.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: invalid JSON: %v", registrar.ErrInvalidArgument, err)
	}
	return nil
}
