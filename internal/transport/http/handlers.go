package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fedutinova/fluxqc/internal/auth"
	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/config"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/fedutinova/fluxqc/internal/pool"
	"github.com/fedutinova/fluxqc/internal/qc"
	"github.com/fedutinova/fluxqc/internal/storage"
	"github.com/fedutinova/fluxqc/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListByOwner(ctx context.Context, owner uuid.UUID, limit int) ([]*job.Job, error)
}

type DatasetStore interface {
	Get(ctx context.Context, id int64) (*dataset.Dataset, error)
	AppendFile(ctx context.Context, id int64, key string) error
}

type Pipeline interface {
	Submit(ctx context.Context, owner uuid.UUID, datasetID int64) (*job.Job, error)
	Resubmit(ctx context.Context, owner uuid.UUID, datasetID int64, stage job.Type) (*job.Job, error)
}

type QCManager interface {
	AcceptAutomaticFlags(ctx context.Context, datasetID int64, rows []int) error
	SetHumanFlags(ctx context.Context, datasetID int64, rows []int, f flag.Flag, comment string) error
	ResetByFlagAndMessage(ctx context.Context, datasetID int64, f flag.Flag, comment string) (int64, error)
	ResetByRow(ctx context.Context, datasetID int64, row int) error
	Get(ctx context.Context, datasetID int64, row int) (*qc.Record, error)
}

type WorkerPool interface {
	Stats() pool.Stats
	Interrupt(jobID uuid.UUID) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Jobs     JobStore
	Datasets DatasetStore
	Pipeline Pipeline
	QC       QCManager
	Storage  storage.Storage
	Workers  WorkerPool
	DB       Pinger
	Redis    Pinger // nil when the in-process notifier is used
	Config   config.Config
}

func (h *Handlers) Routers(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(auth.JWTMiddleware(h.Config.JWT.Secret, h.Config.JWT.Issuer))

		r.With(auth.RequirePerm(auth.PermJobReadOwn)).Get("/v1/jobs", h.listJobs)
		r.With(auth.RequirePerm(auth.PermJobReadOwn)).Get("/v1/jobs/{id}", h.getJob)
		r.With(auth.RequirePerm(auth.PermJobInterrupt)).Post("/v1/jobs/{id}/interrupt", h.interruptJob)

		r.Route("/v1/datasets/{id}", func(r chi.Router) {
			r.With(auth.RequirePerm(auth.PermDatasetSubmit)).Post("/files", h.uploadFiles)
			r.With(auth.RequirePerm(auth.PermDatasetSubmit)).Post("/submit", h.submit)
			r.With(auth.RequirePerm(auth.PermDatasetSubmit)).Post("/resubmit", h.resubmit)

			r.With(auth.RequirePerm(auth.PermQCWrite)).Post("/qc/accept", h.acceptFlags)
			r.With(auth.RequirePerm(auth.PermQCWrite)).Post("/qc/flags", h.setFlags)
			r.With(auth.RequirePerm(auth.PermQCWrite)).Post("/qc/reset", h.resetFlags)
			r.With(auth.RequirePerm(auth.PermQCRead)).Get("/qc/{row}", h.getQC)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeValidation(w http.ResponseWriter, errs validation.ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": errs,
	})
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case common.IsValidation(err), common.IsMissingParameter(err), common.IsInvalidStatus(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case common.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case common.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case common.IsUnauthorized(err), errors.Is(err, common.ErrInvalidToken):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case common.IsForbidden(err):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if errs := validation.Struct(dst); len(errs) > 0 {
		writeValidation(w, errs)
		return false
	}
	return true
}

func owner(r *http.Request) (uuid.UUID, *auth.Claims, error) {
	cl, ok := auth.FromContext(r.Context())
	if !ok {
		return uuid.Nil, nil, common.ErrUnauthorized
	}
	id, err := cl.Owner()
	return id, cl, err
}

func datasetID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, common.ValidationError{Field: "id", Message: "dataset id must be a positive integer"}
	}
	return id, nil
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	user, cl, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	j, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// other users' jobs look missing
	if j.Owner != user && !auth.HasPerm(cl.Roles, auth.PermJobReadAll) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	user, _, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := h.Jobs.ListByOwner(r.Context(), user, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *Handlers) interruptJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	if !h.Workers.Interrupt(id) {
		http.Error(w, "job is not running on this node", http.StatusNotFound)
		return
	}
	slog.Info("job interruption requested", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "interrupted": true})
}

func (h *Handlers) uploadFiles(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxFiles*validation.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if errs := validation.ValidateUpload(files); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}
	ds, err := h.Datasets.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ds.Status != dataset.StatusWaiting {
		writeError(w, r, common.InvalidStatus(ds.Status))
		return
	}

	keys := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		key, err := h.Storage.Save(r.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			writeError(w, r, common.WrapStorage("save upload", err))
			return
		}
		if err := h.Datasets.AppendFile(r.Context(), id, key); err != nil {
			if delErr := h.Storage.Delete(r.Context(), key); delErr != nil {
				slog.Warn("failed to remove orphaned upload", "key", key, "err", delErr)
			}
			writeError(w, r, err)
			return
		}
		keys = append(keys, key)
	}

	slog.Info("dataset files uploaded", "dataset", id, "count", len(keys))
	writeJSON(w, http.StatusCreated, map[string]any{"dataset_id": id, "files": keys})
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, _, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	j, err := h.Pipeline.Submit(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("dataset submitted", "dataset", id, "job_id", j.ID, "user_id", user)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": j.ID, "type": j.Type, "status": j.Status})
}

type resubmitRequest struct {
	Stage string `json:"stage" validate:"required,oneof=data_extraction data_reduction auto_qc"`
}

func (h *Handlers) resubmit(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resubmitRequest
	if !decode(w, r, &req) {
		return
	}
	user, _, err := owner(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	j, err := h.Pipeline.Resubmit(r.Context(), user, id, job.Type(req.Stage))
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("dataset resubmitted", "dataset", id, "stage", req.Stage, "job_id", j.ID, "user_id", user)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": j.ID, "type": j.Type, "status": j.Status})
}

type acceptRequest struct {
	Rows []int `json:"rows" validate:"required,min=1,dive,gt=0"`
}

func (h *Handlers) acceptFlags(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req acceptRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.QC.AcceptAutomaticFlags(r.Context(), id, req.Rows); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset_id": id, "rows": len(req.Rows)})
}

type flagRequest struct {
	Rows    []int  `json:"rows" validate:"required,min=1,dive,gt=0"`
	Flag    string `json:"flag" validate:"required"`
	Comment string `json:"comment"`
}

func parseFlag(name string) (flag.Flag, error) {
	return flag.ParseName(strings.ToUpper(strings.TrimSpace(name)))
}

func (h *Handlers) setFlags(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req flagRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := parseFlag(req.Flag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.QC.SetHumanFlags(r.Context(), id, req.Rows, f, req.Comment); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset_id": id, "rows": len(req.Rows), "flag": f.String()})
}

// resetRequest resets either a single row or every row carrying the given
// human flag and comment.
type resetRequest struct {
	Row     int    `json:"row" validate:"gte=0"`
	Flag    string `json:"flag" validate:"required_without=Row"`
	Comment string `json:"comment"`
}

func (h *Handlers) resetFlags(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Row > 0 {
		if err := h.QC.ResetByRow(r.Context(), id, req.Row); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dataset_id": id, "reset": 1})
		return
	}

	f, err := parseFlag(req.Flag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.QC.ResetByFlagAndMessage(r.Context(), id, f, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset_id": id, "reset": n})
}

func (h *Handlers) getQC(w http.ResponseWriter, r *http.Request) {
	id, err := datasetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil || row <= 0 {
		http.Error(w, "bad row", http.StatusBadRequest)
		return
	}

	rec, err := h.QC.Get(r.Context(), id, row)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
