package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/platform/auth"
	"github.com/animus-labs/animus-rds/internal/platform/requestid"
	"github.com/animus-labs/animus-rds/internal/service/datasets"
	"github.com/animus-labs/animus-rds/internal/service/disclosure"
	"github.com/animus-labs/animus-rds/internal/service/jobs"
	"github.com/animus-labs/animus-rds/internal/service/usercode"
	"github.com/animus-labs/animus-rds/internal/store"
)

const maxBodyBytes = 64 << 20

type rdsAPI struct {
	logger     *slog.Logger
	datasets   *datasets.Service
	code       *usercode.Service
	jobs       *jobs.Service
	disclosure *disclosure.Service
}

func newAPI(logger *slog.Logger, datasetSvc *datasets.Service, codeSvc *usercode.Service, jobSvc *jobs.Service, disclosureSvc *disclosure.Service) *rdsAPI {
	return &rdsAPI{
		logger:     logger,
		datasets:   datasetSvc,
		code:       codeSvc,
		jobs:       jobSvc,
		disclosure: disclosureSvc,
	}
}

func (api *rdsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets/{ref}", api.handleGetDataset)
	mux.HandleFunc("PATCH /datasets/{ref}", api.handleUpdateDataset)
	mux.HandleFunc("DELETE /datasets/{ref}", api.handleDeleteDataset)

	mux.HandleFunc("POST /code", api.handleSubmitCode)
	mux.HandleFunc("GET /code/{ref}", api.handleGetCode)

	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("POST /jobs", api.handleSubmitJob)
	mux.HandleFunc("GET /jobs/{ref}", api.handleGetJob)
	mux.HandleFunc("POST /jobs/{ref}/approve", api.handleApproveJob)
	mux.HandleFunc("POST /jobs/{ref}/reject", api.handleRejectJob)
	mux.HandleFunc("POST /jobs/{ref}/run", api.handleRunJob)
	mux.HandleFunc("POST /jobs/{ref}/mock-run", api.handleMockRun)
	mux.HandleFunc("POST /jobs/{ref}/retry", api.handleRetryJob)
	mux.HandleFunc("POST /jobs/{ref}/close", api.handleCloseJob)
	mux.HandleFunc("POST /jobs/{ref}/reject-output", api.handleRejectOutput)
	mux.HandleFunc("GET /jobs/{ref}/review", api.handleReviewResults)
	mux.HandleFunc("POST /jobs/{ref}/share", api.handleShareResults)
	mux.HandleFunc("GET /jobs/{ref}/results", api.handleGetResults)
}

type codeFile struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type userCodeRequest struct {
	Name       string     `json:"name,omitempty"`
	Entrypoint string     `json:"entrypoint,omitempty"`
	ReadmePath string     `json:"readme_path,omitempty"`
	Files      []codeFile `json:"files"`
}

func (req userCodeRequest) input() usercode.SubmitInput {
	files := make([]usercode.File, len(req.Files))
	for i, f := range req.Files {
		files[i] = usercode.File{Path: f.Path, Data: f.Data}
	}
	return usercode.SubmitInput{
		Name:       req.Name,
		Entrypoint: req.Entrypoint,
		ReadmePath: req.ReadmePath,
		Files:      files,
	}
}

type submitJobRequest struct {
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Dataset     string           `json:"dataset"`
	Tags        []string         `json:"tags,omitempty"`
	UserCodeID  string           `json:"user_code_id,omitempty"`
	Code        *userCodeRequest `json:"code,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type runRequest struct {
	Mock bool `json:"mock,omitempty"`
}

func (api *rdsAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var req datasets.CreateInput
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ds, err := api.datasets.Create(r.Context(), actor, req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (api *rdsAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if term := strings.TrimSpace(r.URL.Query().Get("q")); term != "" {
		found, err := api.datasets.Search(r.Context(), term)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"datasets": found})
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	found, err := api.datasets.GetAll(r.Context(), q)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": found})
}

func (api *rdsAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := api.datasets.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (api *rdsAPI) handleUpdateDataset(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var req datasets.UpdateInput
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ds, err := api.datasets.Update(r.Context(), actor, r.PathValue("ref"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (api *rdsAPI) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	deleted, err := api.datasets.Delete(r.Context(), actor, r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (api *rdsAPI) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var req userCodeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	code, err := api.code.Submit(r.Context(), actor, req.input())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (api *rdsAPI) handleGetCode(w http.ResponseWriter, r *http.Request) {
	code, err := api.code.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (api *rdsAPI) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	in := jobs.SubmitInput{
		Name:        req.Name,
		Description: req.Description,
		DatasetRef:  req.Dataset,
		Tags:        req.Tags,
		UserCodeID:  req.UserCodeID,
	}
	if req.Code != nil {
		code := req.Code.input()
		in.Code = &code
	}
	job, err := api.jobs.Submit(r.Context(), actor, in)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (api *rdsAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	limit, err := parseLimit(values.Get("limit"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	found, err := api.jobs.GetAll(r.Context(), jobs.ListInput{
		Status:    values.Get("status"),
		Requester: values.Get("requester"),
		OrderBy:   values.Get("order_by"),
		SortOrder: values.Get("sort_order"),
		Limit:     limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": found})
}

func (api *rdsAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *rdsAPI) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.Approve(r.Context(), actor, ref)
	})
}

func (api *rdsAPI) handleRejectJob(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.Reject(r.Context(), actor, ref, req.Reason)
	})
}

func (api *rdsAPI) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.Run(r.Context(), actor, ref, jobs.RunOptions{Mock: req.Mock})
	})
}

type mockRunResponse struct {
	Job      domain.Job            `json:"job"`
	ExitCode int                   `json:"exit_code"`
	Duration string                `json:"duration"`
	Failure  *domain.FailureReason `json:"failure,omitempty"`
	Results  disclosure.Results    `json:"results"`
}

// handleMockRun executes a job against mock data. Mock results carry no
// private data and go straight back to the caller.
func (api *rdsAPI) handleMockRun(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	run, err := api.jobs.RunMock(r.Context(), actor, r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	res, err := disclosure.Collect(run.Job.ID, run.WorkDir)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mockRunResponse{
		Job:      run.Job,
		ExitCode: run.Result.ExitCode,
		Duration: run.Result.Duration.String(),
		Failure:  run.Failure,
		Results:  res,
	})
}

func (api *rdsAPI) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.Retry(r.Context(), actor, ref)
	})
}

func (api *rdsAPI) handleCloseJob(w http.ResponseWriter, r *http.Request) {
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.Close(r.Context(), actor, ref)
	})
}

func (api *rdsAPI) handleRejectOutput(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.jobs.RejectOutput(r.Context(), actor, ref, req.Reason)
	})
}

func (api *rdsAPI) handleShareResults(w http.ResponseWriter, r *http.Request) {
	api.jobAction(w, r, func(actor domain.Actor, ref string) (domain.Job, error) {
		return api.disclosure.ShareResults(r.Context(), actor, ref)
	})
}

func (api *rdsAPI) handleReviewResults(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	res, err := api.disclosure.ReviewResults(r.Context(), actor, r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (api *rdsAPI) handleGetResults(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	res, err := api.disclosure.GetResults(r.Context(), actor, r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (api *rdsAPI) jobAction(w http.ResponseWriter, r *http.Request, act func(actor domain.Actor, ref string) (domain.Job, error)) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	job, err := act(actor, r.PathValue("ref"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *rdsAPI) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, err := auth.ActorFromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
		return domain.Actor{}, false
	}
	return actor, true
}

func statusForKind(kind string) int {
	switch kind {
	case domain.ErrValidation.Error():
		return http.StatusBadRequest
	case domain.ErrNotFound.Error():
		return http.StatusNotFound
	case domain.ErrAuthorization.Error(), domain.ErrDisclosure.Error():
		return http.StatusForbidden
	case domain.ErrAlreadyExists.Error(), domain.ErrInvalidTransition.Error(), domain.ErrConflict.Error():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (api *rdsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
		message = "internal error"
	}
	writeError(w, r, status, kind, message)
}

func parseQuery(r *http.Request) (store.Query, error) {
	values := r.URL.Query()
	limit, err := parseLimit(values.Get("limit"))
	if err != nil {
		return store.Query{}, err
	}
	order, err := store.ParseSortOrder(values.Get("sort_order"))
	if err != nil {
		return store.Query{}, err
	}
	return store.Query{OrderBy: strings.TrimSpace(values.Get("order_by")), SortOrder: order, Limit: limit}, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrValidation)
	}
	return n, nil
}

// decodeJSON reads a single JSON value. An empty body is accepted only when
// the body is optional.
func decodeJSON(r *http.Request, dst any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	id, ok := requestid.FromContext(r.Context())
	if !ok {
		id = r.Header.Get(requestid.Header)
	}
	writeJSON(w, status, map[string]any{
		"error":      code,
		"message":    message,
		"request_id": id,
	})
}
