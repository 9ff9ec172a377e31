package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"slidesync/internal/document/history"
	"slidesync/internal/document/model"
	"slidesync/internal/document/scheduler"
	"slidesync/internal/document/service"
	"slidesync/internal/document/shard"
	"slidesync/middleware"
	"slidesync/pkg/logger"
)

// RoomCloser disconnects realtime clients from a deleted document.
type RoomCloser interface {
	RemoveDocument(docID string)
}

type DocumentHandler struct {
	Service *service.DocumentService
	Rooms   RoomCloser
}

func NewDocumentHandler(service *service.DocumentService, rooms RoomCloser) *DocumentHandler {
	return &DocumentHandler{Service: service, Rooms: rooms}
}

// Register mounts the document API on r. Authentication is applied by the
// caller.
func (h *DocumentHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/documents", h.GetDocuments).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", h.CreateDocument).Methods(http.MethodPost)

	d := r.PathPrefix("/api/documents/{docId}").Subrouter()
	d.HandleFunc("", h.GetDocument).Methods(http.MethodGet)
	d.HandleFunc("", h.DeleteDocument).Methods(http.MethodDelete)
	d.HandleFunc("/collaborators", h.AddCollaborator).Methods(http.MethodPost)
	d.HandleFunc("/generation", h.SetGeneration).Methods(http.MethodPut)
	d.HandleFunc("/visible", h.SetVisibleSlides).Methods(http.MethodPut)

	d.HandleFunc("/slides", h.AddSlide).Methods(http.MethodPost)
	d.HandleFunc("/slides/reorder", h.ReorderSlides).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}", h.UpdateSlide).Methods(http.MethodPatch)
	d.HandleFunc("/slides/{slideId}", h.RemoveSlide).Methods(http.MethodDelete)
	d.HandleFunc("/slides/{slideId}/duplicate", h.DuplicateSlide).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}/locks", h.LocksForSlide).Methods(http.MethodGet)

	d.HandleFunc("/components/batch", h.BatchUpdateComponents).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}/components", h.AddComponent).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}/components/{componentId}", h.UpdateComponent).Methods(http.MethodPatch)
	d.HandleFunc("/slides/{slideId}/components/{componentId}", h.DeleteComponent).Methods(http.MethodDelete)
	d.HandleFunc("/slides/{slideId}/components/{componentId}/move", h.MoveComponent).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}/components/{componentId}/lock", h.RequestLock).Methods(http.MethodPost)
	d.HandleFunc("/slides/{slideId}/components/{componentId}/lock", h.ReleaseLock).Methods(http.MethodDelete)

	d.HandleFunc("/versions", h.GetVersionHistory).Methods(http.MethodGet)
	d.HandleFunc("/versions", h.CreateVersion).Methods(http.MethodPost)
	d.HandleFunc("/versions/compare", h.CompareVersions).Methods(http.MethodGet)
	d.HandleFunc("/versions/{versionId}", h.UpdateVersionMetadata).Methods(http.MethodPatch)
	d.HandleFunc("/versions/{versionId}/restore", h.RestoreVersion).Methods(http.MethodPost)
	d.HandleFunc("/autosave", h.SetAutoSaveInterval).Methods(http.MethodPut)
	d.HandleFunc("/save", h.SaveNow).Methods(http.MethodPost)
}

// session resolves the caller's role and the live session. Readers may only
// use read routes.
func (h *DocumentHandler) session(w http.ResponseWriter, r *http.Request, write bool) (*service.Session, string, bool) {
	userID := middleware.UserIDFrom(r.Context())
	docID := mux.Vars(r)["docId"]

	role, err := h.Service.Role(r.Context(), docID, userID)
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	if write && !service.CanWrite(role) {
		http.Error(w, "Forbidden: read-only access", http.StatusForbidden)
		return nil, "", false
	}
	sess, err := h.Service.Open(r.Context(), docID)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to open document %s: %v", docID, err)
		writeError(w, err)
		return nil, "", false
	}
	return sess, userID, true
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInvariant):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, history.ErrSaveInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, shard.ErrLoadTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, service.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Warnf("Handler: Failed to encode response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// mutation writes a MutationResult. Skipped operations are 200 with
// applied=false so clients can tell them from transport failures.
func mutation(w http.ResponseWriter, op string, res model.MutationResult, err error) {
	if err != nil {
		logger.Sugar.Errorf("Handler: %s failed: %v", op, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())

	docs, err := h.Service.ListDocuments(r.Context(), userID)
	if err != nil {
		logger.Sugar.Errorf("Error fetching documents: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())

	var req model.CreateDocRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body means defaults

	doc, err := h.Service.CreateDocument(r.Context(), userID, req)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to create document: %v", err)
		http.Error(w, "Failed to create document: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, model.CreateDocResponse{DocID: doc.ID})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.session(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docId"]
	userID := middleware.UserIDFrom(r.Context())

	if err := h.Service.DeleteDocument(r.Context(), docID, userID); err != nil {
		logger.Sugar.Errorf("Handler: Failed to delete document %s: %v", docID, err)
		writeError(w, err)
		return
	}
	if h.Rooms != nil {
		h.Rooms.RemoveDocument(docID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	var req model.AddCollaboratorRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	docID := mux.Vars(r)["docId"]
	if err := h.Service.AddCollaborator(r.Context(), docID, middleware.UserIDFrom(r.Context()), req); err != nil {
		logger.Sugar.Errorf("Handler: Failed to add collaborator to %s: %v", docID, err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SetGeneration(w http.ResponseWriter, r *http.Request) {
	var req scheduler.GenerationState
	if !decode(w, r, &req) {
		return
	}
	sess, _, ok := h.session(w, r, true)
	if !ok {
		return
	}
	if err := sess.SetGeneration(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SetVisibleSlides(w http.ResponseWriter, r *http.Request) {
	var req model.VisibleSlidesRequest
	if !decode(w, r, &req) {
		return
	}
	mode := shard.Mode(req.Mode)
	if req.Mode == "" {
		mode = shard.ModeAsync
	}
	if !mode.Valid() {
		http.Error(w, "Invalid mode. Must be sync, async, or prioritize-current", http.StatusBadRequest)
		return
	}
	sess, _, ok := h.session(w, r, false)
	if !ok {
		return
	}
	if err := sess.SetVisibleSlides(r.Context(), req.SlideIDs, mode, req.Current); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) AddSlide(w http.ResponseWriter, r *http.Request) {
	var req model.AddSlideRequest
	if !decode(w, r, &req) {
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	ctx := service.WithActor(r.Context(), userID)
	var (
		res model.MutationResult
		err error
	)
	switch {
	case req.AfterSlideID != "":
		res, err = sess.AddSlideAfter(ctx, req.AfterSlideID, req.Title)
	case req.Index != nil:
		res, err = sess.AddSlide(ctx, req.Title, *req.Index)
	default:
		res, err = sess.AddSlide(ctx, req.Title, -1)
	}
	mutation(w, "add slide", res, err)
}

func (h *DocumentHandler) ReorderSlides(w http.ResponseWriter, r *http.Request) {
	var req model.ReorderSlidesRequest
	if !decode(w, r, &req) {
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.ReorderSlides(service.WithActor(r.Context(), userID), req.From, req.To)
	mutation(w, "reorder slides", res, err)
}

func (h *DocumentHandler) UpdateSlide(w http.ResponseWriter, r *http.Request) {
	var req model.SlidePatch
	if !decode(w, r, &req) {
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.UpdateSlide(service.WithActor(r.Context(), userID), mux.Vars(r)["slideId"], req)
	mutation(w, "update slide", res, err)
}

func (h *DocumentHandler) RemoveSlide(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.RemoveSlide(service.WithActor(r.Context(), userID), mux.Vars(r)["slideId"])
	mutation(w, "remove slide", res, err)
}

func (h *DocumentHandler) DuplicateSlide(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.DuplicateSlide(service.WithActor(r.Context(), userID), mux.Vars(r)["slideId"])
	mutation(w, "duplicate slide", res, err)
}

func (h *DocumentHandler) AddComponent(w http.ResponseWriter, r *http.Request) {
	var req model.AddComponentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Component.Type == "" {
		http.Error(w, "component type is required", http.StatusBadRequest)
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.AddComponent(service.WithActor(r.Context(), userID), mux.Vars(r)["slideId"], req.Component, req.Index)
	mutation(w, "add component", res, err)
}

func (h *DocumentHandler) UpdateComponent(w http.ResponseWriter, r *http.Request) {
	var req model.ComponentUpdate
	if !decode(w, r, &req) {
		return
	}
	if req.IsEmpty() {
		http.Error(w, "Empty update", http.StatusBadRequest)
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := sess.UpdateComponent(service.WithActor(r.Context(), userID), vars["slideId"], vars["componentId"], req)
	mutation(w, "update component", res, err)
}

func (h *DocumentHandler) DeleteComponent(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := sess.DeleteComponent(service.WithActor(r.Context(), userID), vars["slideId"], vars["componentId"])
	mutation(w, "delete component", res, err)
}

func (h *DocumentHandler) MoveComponent(w http.ResponseWriter, r *http.Request) {
	var req model.MoveComponentRequest
	if !decode(w, r, &req) {
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := sess.MoveComponent(service.WithActor(r.Context(), userID), vars["slideId"], vars["componentId"], req.To)
	mutation(w, "move component", res, err)
}

func (h *DocumentHandler) BatchUpdateComponents(w http.ResponseWriter, r *http.Request) {
	var req model.BatchUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Updates) == 0 {
		http.Error(w, "No updates", http.StatusBadRequest)
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	results, err := sess.BatchUpdateComponents(service.WithActor(r.Context(), userID), req.Updates)
	if err != nil {
		logger.Sugar.Errorf("Handler: batch update failed: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *DocumentHandler) RequestLock(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := sess.RequestLock(r.Context(), userID, vars["slideId"], vars["componentId"])
	if err != nil {
		logger.Sugar.Errorf("Handler: lock request failed: %v", err)
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == model.LockDenied {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (h *DocumentHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req model.LockRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	released, err := sess.ReleaseLock(r.Context(), userID, vars["slideId"], vars["componentId"], req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (h *DocumentHandler) LocksForSlide(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.session(w, r, false)
	if !ok {
		return
	}
	locks, err := sess.LocksForSlide(r.Context(), mux.Vars(r)["slideId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func (h *DocumentHandler) GetVersionHistory(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.session(w, r, false)
	if !ok {
		return
	}
	versions, err := sess.GetVersionHistory(r.Context())
	if err != nil {
		logger.Sugar.Errorf("Error fetching versions: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *DocumentHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req model.CreateVersionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, _, ok := h.session(w, r, true)
	if !ok {
		return
	}
	id, err := sess.CreateVersion(r.Context(), req.Name, req.Description, req.Bookmarked)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to create version: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.CreateVersionResponse{VersionID: id})
}

func (h *DocumentHandler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.RestoreVersion(service.WithActor(r.Context(), userID), mux.Vars(r)["versionId"])
	mutation(w, "restore version", res, err)
}

func (h *DocumentHandler) UpdateVersionMetadata(w http.ResponseWriter, r *http.Request) {
	var req model.VersionMetadata
	if !decode(w, r, &req) {
		return
	}
	sess, _, ok := h.session(w, r, true)
	if !ok {
		return
	}
	if err := sess.UpdateVersionMetadata(r.Context(), mux.Vars(r)["versionId"], req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		http.Error(w, "Missing from or to parameter", http.StatusBadRequest)
		return
	}
	sess, _, ok := h.session(w, r, false)
	if !ok {
		return
	}
	diff, err := sess.CompareVersions(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *DocumentHandler) SetAutoSaveInterval(w http.ResponseWriter, r *http.Request) {
	var req model.AutoSaveIntervalRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		// Bare numbers are seconds.
		secs, nerr := strconv.Atoi(req.Interval)
		if nerr != nil {
			http.Error(w, "Invalid interval", http.StatusBadRequest)
			return
		}
		d = time.Duration(secs) * time.Second
	}
	sess, _, ok := h.session(w, r, true)
	if !ok {
		return
	}
	if err := sess.SetAutoSaveInterval(d); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SaveNow(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.session(w, r, true)
	if !ok {
		return
	}
	res, err := sess.SaveNow(r.Context())
	if err != nil {
		logger.Sugar.Errorf("Handler: manual save failed: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
