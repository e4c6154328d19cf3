package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"qrdag/dag"
	"qrdag/logger"
	"qrdag/models"
	"qrdag/node"
	"qrdag/pipeline"
)

// maxBodyBytes bounds request bodies of the submit endpoints
const maxBodyBytes = 1 << 20

// Handler contains the HTTP handlers for the DAG API endpoints
type Handler struct {
	Node *node.Node
}

// NewHandler creates and returns a new Handler instance
func NewHandler(n *node.Node) *Handler {
	return &Handler{Node: n}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeSubmitError maps admission failures to status codes. Conflicts carry
// the competing ids so that clients can resubmit on other parents.
func writeSubmitError(w http.ResponseWriter, err error) {
	var cerr *pipeline.ConflictError
	var verr *dag.VertexError
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"id":        cerr.ID,
			"conflicts": cerr.Conflicts,
		})
	case errors.Is(err, dag.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		body := map[string]any{"error": err.Error(), "id": verr.ID}
		if verr.Ref != "" {
			body["ref"] = verr.Ref
		}
		writeJSON(w, http.StatusBadRequest, body)
	case pipeline.IsClosed(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) vertexResponse(v *models.Vertex) map[string]any {
	status, _ := h.Node.Confidence(v.ID)
	return map[string]any{
		"vertex": v,
		"status": status,
	}
}

// SubmitVertex handles POST requests that admit a vertex referencing existing parents
func (h *Handler) SubmitVertex(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		logger.Logger.Error("Failed to decode message", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if msg.ID == "" {
		msg.ID = models.DeriveID(msg.Payload)
	}

	if err := h.Node.Submit(r.Context(), &msg); err != nil {
		logger.Logger.Info("Submission failed",
			zap.String("vertex_id", msg.ID.String()), zap.Error(err))
		writeSubmitError(w, err)
		return
	}

	v, _ := h.Node.Vertex(msg.ID)
	writeJSON(w, http.StatusCreated, h.vertexResponse(v))
}

// AddMessage handles POST requests whose raw body becomes a genesis vertex
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	id, err := h.Node.AddMessage(payload)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	v, _ := h.Node.Vertex(id)
	writeJSON(w, http.StatusCreated, h.vertexResponse(v))
}

// GetVertex returns a vertex with its status, confidence and known conflicts
func (h *Handler) GetVertex(w http.ResponseWriter, r *http.Request) {
	id := models.VertexID(mux.Vars(r)["id"])
	v, ok := h.Node.Vertex(id)
	if !ok {
		writeError(w, http.StatusNotFound, "vertex not found")
		return
	}
	body := h.vertexResponse(v)
	if conf, ok := h.Node.ConfidenceDetail(id); ok {
		body["confidence"] = conf
	}
	body["conflicts"] = h.Node.Conflicts(id)
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tips": h.Node.Tips()})
}

// SelectTips handles GET requests for parents picked by the weighted random walk
func (h *Handler) SelectTips(w http.ResponseWriter, r *http.Request) {
	n := 2
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	parents, err := h.Node.SelectParents(n)
	if err != nil {
		logger.Logger.Error("Failed to select tips", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parents": parents})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	total, err := h.Node.TotalOrder()
	if err != nil {
		logger.Logger.Error("Failed to linearize DAG", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": total})
}

func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Node.Checkpoint()
	switch {
	case errors.Is(err, node.ErrNoRepository):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Logger.Error("Failed to create checkpoint", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (h *Handler) GetLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Node.LatestCheckpoint()
	switch {
	case errors.Is(err, node.ErrNoRepository):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Logger.Error("Failed to read checkpoint", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case cp == nil:
		writeError(w, http.StatusNotFound, "no checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
