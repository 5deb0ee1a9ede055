// Package handler exposes the session manager and sync engine over HTTP.
package handler

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/fieldline/fieldsync/duration"
	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/session"
	"github.com/fieldline/fieldsync/syncengine"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Handler struct {
	Sessions  *session.Manager
	Engine    *syncengine.Engine
	Registry  *syncengine.Registry
	Bootstrap *syncengine.Bootstrapper

	r *mux.Router
}

func New(sessions *session.Manager, engine *syncengine.Engine, registry *syncengine.Registry, bootstrap *syncengine.Bootstrapper) *Handler {
	h := &Handler{
		Sessions:  sessions,
		Engine:    engine,
		Registry:  registry,
		Bootstrap: bootstrap,
		r:         mux.NewRouter(),
	}
	h.r.HandleFunc("/api/v1/sessions/checkin", h.serveCheckIn).Methods("POST")
	h.r.HandleFunc("/api/v1/sessions/checkout", h.serveCheckOut).Methods("POST")
	h.r.HandleFunc("/api/v1/sync", h.serveSync).Methods("POST")
	h.r.HandleFunc("/api/v1/sync/init", h.serveSyncInit).Methods("POST")
	h.r.HandleFunc("/api/v1/sync/bootstrap/{packageID}", h.serveBootstrapDownload).Methods("GET")
	h.r.HandleFunc("/api/v1/sync/status/{deviceID}", h.serveSyncStatus).Methods("GET")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req = req.WithContext(internal.RequestContext(req.Context()))
	h.r.ServeHTTP(w, req)
}

func respond(w http.ResponseWriter, req *http.Request, result interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{StatusCode: 500, Err: err}
		}
		if herr.StatusCode >= 500 {
			internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr.Err)
			internal.DecorateLogger(req.Context(), logger.Error()).Err(herr.Err).Str("path", req.URL.Path).Msg("request failed")
		} else {
			internal.DecorateLogger(req.Context(), logger.Warn()).Err(herr.Err).Str("path", req.URL.Path).Msg("request rejected")
		}
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Err(err).Msg("failed to encode response body")
	}
}

func decode(req *http.Request, into interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return internal.ValidationError("failed to decode request body: %s", err)
	}
	return nil
}

func (h *Handler) serveCheckIn(w http.ResponseWriter, req *http.Request) {
	var body session.CheckInRequest
	if err := decode(req, &body); err != nil {
		respond(w, req, nil, err)
		return
	}
	internal.SetRequestContextIdentity(req.Context(), body.ActorID, "")
	ws, err := h.Sessions.CheckIn(req.Context(), &body)
	if err != nil {
		respond(w, req, nil, err)
		return
	}
	checkInsTotal.Inc()
	respond(w, req, ws, nil)
}

// CheckOutResponse is the session record plus its duration breakdown.
type CheckOutResponse struct {
	Session  *internal.WorkSession `json:"session"`
	Duration *duration.Result      `json:"duration"`
}

func (h *Handler) serveCheckOut(w http.ResponseWriter, req *http.Request) {
	var body session.CheckOutRequest
	if err := decode(req, &body); err != nil {
		respond(w, req, nil, err)
		return
	}
	internal.SetRequestContextIdentity(req.Context(), body.ActorID, "")
	ws, result, err := h.Sessions.CheckOut(req.Context(), &body)
	if err != nil {
		respond(w, req, nil, err)
		return
	}
	checkOutsTotal.Inc()
	respond(w, req, &CheckOutResponse{Session: ws, Duration: result}, nil)
}

// syncRequestBody is the wire shape of a delta sync call: changes arrive in
// per-family arrays.
type syncRequestBody struct {
	DeviceID    string                    `json:"deviceId"`
	UserID      string                    `json:"userId"`
	SyncCursor  string                    `json:"syncCursor"`
	Strategy    syncengine.Strategy       `json:"strategy,omitempty"`
	JobRecords  []syncengine.ClientChange `json:"jobRecords,omitempty"`
	TimeEntries []syncengine.ClientChange `json:"timeEntries,omitempty"`
	TaskUpdates []syncengine.ClientChange `json:"taskUpdates,omitempty"`
	MediaRefs   []syncengine.ClientChange `json:"mediaRefs,omitempty"`
}

func (b *syncRequestBody) toRequest() *syncengine.Request {
	req := &syncengine.Request{
		DeviceID: b.DeviceID,
		UserID:   b.UserID,
		Cursor:   b.SyncCursor,
		Strategy: b.Strategy,
	}
	appendFamily := func(fam internal.EntityFamily, changes []syncengine.ClientChange) {
		for _, c := range changes {
			c.Family = fam
			req.Changes = append(req.Changes, c)
		}
	}
	appendFamily(internal.FamilyJob, b.JobRecords)
	appendFamily(internal.FamilyTimeEntry, b.TimeEntries)
	appendFamily(internal.FamilyTaskUpdate, b.TaskUpdates)
	appendFamily(internal.FamilyMediaRef, b.MediaRefs)
	return req
}

func (h *Handler) serveSync(w http.ResponseWriter, req *http.Request) {
	var body syncRequestBody
	if err := decode(req, &body); err != nil {
		syncCallsTotal.WithLabelValues("rejected").Inc()
		respond(w, req, nil, err)
		return
	}
	resp, err := h.Engine.Sync(req.Context(), body.toRequest())
	if err != nil {
		syncCallsTotal.WithLabelValues("rejected").Inc()
		respond(w, req, nil, err)
		return
	}
	syncCallsTotal.WithLabelValues("ok").Inc()
	respond(w, req, resp, nil)
}

func (h *Handler) serveSyncInit(w http.ResponseWriter, req *http.Request) {
	var body syncengine.InitSyncRequest
	if err := decode(req, &body); err != nil {
		respond(w, req, nil, err)
		return
	}
	internal.SetRequestContextIdentity(req.Context(), body.UserID, body.DeviceID)
	resp, err := h.Bootstrap.Initialize(req.Context(), &body)
	respond(w, req, resp, err)
}

func (h *Handler) serveBootstrapDownload(w http.ResponseWriter, req *http.Request) {
	packageID := mux.Vars(req)["packageID"]
	pkg := h.Bootstrap.Package(packageID)
	if pkg == nil {
		respond(w, req, nil, internal.NotFoundError("bootstrap package %s not found or expired, re-run sync init", packageID))
		return
	}
	internal.SetRequestContextIdentity(req.Context(), pkg.UserID, pkg.DeviceID)
	payload, err := h.Bootstrap.Assemble(req.Context(), pkg)
	respond(w, req, payload, err)
}

func (h *Handler) serveSyncStatus(w http.ResponseWriter, req *http.Request) {
	deviceID := mux.Vars(req)["deviceID"]
	internal.SetRequestContextIdentity(req.Context(), "", deviceID)
	status, err := h.Registry.Status(req.Context(), deviceID)
	respond(w, req, status, err)
}
