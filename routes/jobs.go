package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"convertd/job"
	"convertd/jobstore"
	"convertd/logger"
	"convertd/models"
)

const optionPrefix = "option."

// submit accepts a multipart form: file (or source_ref), target_format,
// optional source_format, webhook_url and option.<key> fields.
func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to parse multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := job.SubmitRequest{
		SourceRef:    r.FormValue("source_ref"),
		SourceFormat: r.FormValue("source_format"),
		TargetFormat: r.FormValue("target_format"),
		WebhookURL:   r.FormValue("webhook_url"),
		Options:      make(map[string]string),
	}
	for key, values := range r.MultipartForm.Value {
		if name, ok := strings.CutPrefix(key, optionPrefix); ok && len(values) > 0 {
			req.Options[name] = values[0]
		}
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read file"})
			return
		}
		req.Source = data
		req.OriginalName = header.Filename
		if req.SourceFormat == "" {
			req.SourceFormat = filepath.Ext(header.Filename)
		}
	case !errors.Is(err, http.ErrMissingFile):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to get file from form"})
		return
	}

	created, err := h.opts.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+created.ID)
	writeJSON(w, http.StatusAccepted, viewOf(created))
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	found, err := h.opts.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(found))
}

func (h *handler) result(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, err := h.opts.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	data, format, err := h.opts.Jobs.Result(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", string(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resultName(found, format)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Warnf("Failed to write result of job %s: %v", id, err)
	}
}

// resultName derives a download name from the uploaded file name.
func resultName(j *models.Job, format models.Format) string {
	base := j.ID
	if j.OriginalName != "" {
		name := filepath.Base(j.OriginalName)
		base = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return base + "." + format.Extension()
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobstore.Filter
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := models.ParseState(strings.TrimSpace(s))
			if err != nil {
				writeError(w, &job.ValidationError{Field: "state", Reason: err.Error()})
				return
			}
			f.States = append(f.States, st)
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, &job.ValidationError{Field: name, Reason: "must be a non-negative integer"})
			return
		}
		*dst = n
	}

	jobs, err := h.opts.Jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]jobView, len(jobs))
	for i := range jobs {
		views[i] = viewOf(&jobs[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views, "count": len(views)})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.opts.Jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
