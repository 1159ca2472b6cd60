package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/JakeFAU/bulk-registrar/internal/jobs"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
)

// readUpload returns the named multipart file and the parsed form.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, fmt.Errorf("%w: upload exceeds %d bytes", registrar.ErrInvalidArgument, s.maxUpload)
		}
		return "", nil, fmt.Errorf("%w: invalid multipart form: %v", registrar.ErrInvalidArgument, err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s is required", registrar.ErrInvalidArgument, field)
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read upload: %v", registrar.ErrInvalidArgument, err)
	}
	return header.Filename, data, nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUpload(w, r, "file")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dryRun := false
	if raw := r.FormValue("dry_run"); raw != "" {
		if dryRun, err = strconv.ParseBool(raw); err != nil {
			s.fail(w, r, fmt.Errorf("%w: invalid dry_run", registrar.ErrInvalidArgument))
			return
		}
	}
	job, err := s.jobs.Create(r.Context(), jobs.CreateInput{
		Owner:        userID(r),
		CredentialID: r.FormValue("credential_id"),
		FileName:     name,
		Data:         data,
		DryRun:       dryRun,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUpload(w, r, "image")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	uri, err := s.jobs.StoreImage(r.Context(), userID(r), name, data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name, "uri": uri})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(jobs.DefaultPageSize, jobs.MaxPageSize)
	list, total, err := s.jobs.List(r.Context(), userID(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(list, total, page))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Start(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), userID(r), pathID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), userID(r), pathID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success, err := parseOptionalBool(r, "success")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page = page.Normalize(jobs.DefaultPageSize, jobs.MaxPageSize)
	results, total, err := s.jobs.Results(r.Context(), userID(r), pathID(r), page, success)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(results, total, page))
}

func (s *Server) exportJobResults(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	data, err := s.jobs.Export(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeFile(w, sheet.ContentType, "job_"+id+"_results.xlsx", data)
}
