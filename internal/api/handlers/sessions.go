package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"odds/internal/core"
	"odds/internal/jobs"
	"odds/internal/results"
	"odds/internal/types"
	"odds/internal/wizard"
)

// SessionStore owns the live wizard sessions. *wizard.Store satisfies it.
type SessionStore interface {
	Create(id types.Identity) *wizard.Session
	Get(sessionID, owner string) (*wizard.Session, error)
	Delete(sessionID, owner string) error
}

// SessionHandler drives wizard sessions over HTTP. Every route requires a
// signed-in identity, and a session is only visible to the user who created
// it.
type SessionHandler struct {
	store     SessionStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(store SessionStore, val *core.Validator, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{store: store, validator: val, logger: logger}
}

// RegisterRoutes mounts /sessions.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Use(core.RequireIdentity)
		r.Post("/", h.HandleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/point", h.HandlePoint)
			r.Post("/shift", h.HandleShift)
			r.Put("/parameters", h.HandleParameters)
			r.Put("/intent", h.HandleIntent)
			r.Put("/indices", h.HandleIndices)
			r.Post("/continue", h.HandleContinue)
			r.Post("/back", h.HandleBack)
			r.Post("/launch", h.HandleLaunch)
			r.Post("/cancel", h.HandleCancel)
			r.Get("/outputs", h.HandleOutputs)
			r.Post("/outputs", h.HandleAddOutputs)
			r.Put("/outputs/selection", h.HandleSelectOutput)
		})
	})
}

type pointRequest struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lon *float64 `json:"lon" validate:"required,longitude"`
}

type shiftRequest struct {
	DLat int `json:"d_lat" validate:"gte=-1,lte=1"`
	DLon int `json:"d_lon" validate:"gte=-1,lte=1"`
}

type intentRequest struct {
	OutputIntent types.OutputIntent `json:"output_intent" validate:"required,oneof=indices downscale both"`
}

type addOutputsRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,dods_url"`
}

type selectOutputRequest struct {
	URL      string `json:"url" validate:"required"`
	Selected bool   `json:"selected"`
}

type launchResponse struct {
	wizard.LaunchResult
	Session wizard.Snapshot `json:"session"`
}

type cancelResponse struct {
	jobs.CancelResult
	RetryAfterSeconds int             `json:"retry_after_seconds"`
	Session           wizard.Snapshot `json:"session"`
}

type outputsResponse struct {
	Outputs []results.Output `json:"outputs"`
	Added   []string         `json:"added,omitempty"`
}

// session loads the {id} session of the signed-in user, writing the error
// response itself when that fails.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*wizard.Session, bool) {
	id, _ := types.GetIdentity(r.Context())
	sess, err := h.store.Get(chi.URLParam(r, "id"), id.UserName)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	return sess, true
}

// bind decodes and validates the body.
func (h *SessionHandler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// respond writes the session snapshot, or err when the operation failed.
// Operations that fail still leave notices in the snapshot, so clients may
// GET the session afterwards.
func respond(w http.ResponseWriter, r *http.Request, sess *wizard.Session, err error) {
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sess.Snapshot())
}

// HandleCreate handles POST /v1/sessions. The new session starts signed in.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := types.GetIdentity(r.Context())
	sess := h.store.Create(id)
	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "wizard session created",
		"session_id", sess.ID())
	w.Header().Set("Location", "/v1/sessions/"+sess.ID())
	core.JSON(w, r, http.StatusCreated, sess.Snapshot())
}

// HandleGet handles GET /v1/sessions/{id}.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, sess.Snapshot())
}

// HandleDelete handles DELETE /v1/sessions/{id}.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := types.GetIdentity(r.Context())
	if err := h.store.Delete(chi.URLParam(r, "id"), id.UserName); err != nil {
		core.Error(w, r, err)
		return
	}
	core.NoContent(w)
}

// HandlePoint handles POST /v1/sessions/{id}/point.
func (h *SessionHandler) HandlePoint(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req pointRequest
	if !h.bind(w, r, &req) {
		return
	}
	respond(w, r, sess, sess.SelectPoint(r.Context(), types.Point{Lat: *req.Lat, Lon: *req.Lon}))
}

// HandleShift handles POST /v1/sessions/{id}/shift. Each of d_lat and d_lon
// is -1, 0 or 1 box widths.
func (h *SessionHandler) HandleShift(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req shiftRequest
	if !h.bind(w, r, &req) {
		return
	}
	respond(w, r, sess, sess.Shift(r.Context(), req.DLat, req.DLon))
}

// HandleParameters handles PUT /v1/sessions/{id}/parameters.
func (h *SessionHandler) HandleParameters(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req wizard.ParameterUpdate
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	respond(w, r, sess, sess.UpdateParameters(req))
}

// HandleIntent handles PUT /v1/sessions/{id}/intent.
func (h *SessionHandler) HandleIntent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req intentRequest
	if !h.bind(w, r, &req) {
		return
	}
	respond(w, r, sess, sess.SetIntent(req.OutputIntent))
}

// HandleIndices handles PUT /v1/sessions/{id}/indices with a JSON array of
// selections.
func (h *SessionHandler) HandleIndices(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var sel []wizard.IndexSelection
	if err := core.DecodeJSON(w, r, &sel); err != nil {
		core.Error(w, r, err)
		return
	}
	respond(w, r, sess, sess.SelectIndices(sel))
}

// HandleContinue handles POST /v1/sessions/{id}/continue.
func (h *SessionHandler) HandleContinue(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	respond(w, r, sess, sess.Continue(r.Context()))
}

// HandleBack handles POST /v1/sessions/{id}/back.
func (h *SessionHandler) HandleBack(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	respond(w, r, sess, sess.Back())
}

// HandleLaunch handles POST /v1/sessions/{id}/launch. The request is enqueued
// and 202 returned; results arrive by email.
func (h *SessionHandler) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Launch(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, launchResponse{LaunchResult: res, Session: sess.Snapshot()})
}

// HandleCancel handles POST /v1/sessions/{id}/cancel. It stops the request
// the session launched last; launching again is refused for
// retry_after_seconds.
func (h *SessionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Cancel(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, cancelResponse{
		CancelResult:      res,
		RetryAfterSeconds: int(res.Cooldown.Round(time.Second) / time.Second),
		Session:           sess.Snapshot(),
	})
}

// HandleOutputs handles GET /v1/sessions/{id}/outputs.
func (h *SessionHandler) HandleOutputs(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, outputsResponse{Outputs: sess.Results().Outputs()})
}

// HandleAddOutputs handles POST /v1/sessions/{id}/outputs: previously
// downscaled files are added so indices can be computed from them.
func (h *SessionHandler) HandleAddOutputs(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req addOutputsRequest
	if !h.bind(w, r, &req) {
		return
	}
	added, err := sess.Results().AddPrevious(req.URLs)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if len(added) > 0 {
		sess.Notify(types.NoticeSuccess, "Added previous outputs.")
	}
	core.JSON(w, r, http.StatusOK, outputsResponse{Outputs: sess.Results().Outputs(), Added: added})
}

// HandleSelectOutput handles PUT /v1/sessions/{id}/outputs/selection.
func (h *SessionHandler) HandleSelectOutput(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectOutputRequest
	if !h.bind(w, r, &req) {
		return
	}
	if err := sess.Results().Select(req.URL, req.Selected); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, outputsResponse{Outputs: sess.Results().Outputs()})
}
