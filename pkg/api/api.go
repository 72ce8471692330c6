package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/core"
)

type API struct {
	node    *core.Node
	logger  *zap.Logger
	limiter *rate.Limiter
	router  *mux.Router
	server  *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// Options tunes the API server.
type Options struct {
	Port      int
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
}

func NewAPI(node *core.Node, opts Options) (*API, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	api := &API{
		node:    node,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}

	router := mux.NewRouter()
	api.setupRoutes(router)
	api.router = router

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	router.Use(api.rateLimit)

	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	router.HandleFunc("/contexts", api.ListContexts).Methods("GET")
	router.HandleFunc("/contexts", api.CreateContext).Methods("POST")

	c := router.PathPrefix("/contexts/{contextId}").Subrouter()

	// Models
	c.HandleFunc("/models", api.GetPublicModels).Methods("GET")
	c.HandleFunc("/models", api.UploadModel).Methods("POST")
	c.HandleFunc("/models/{id}", api.GetModel).Methods("GET")
	c.HandleFunc("/models/{id}/download", api.DownloadModel).Methods("POST")

	// Scans
	c.HandleFunc("/scans", api.GetScansByPatient).Methods("GET")
	c.HandleFunc("/scans", api.UploadScan).Methods("POST")
	c.HandleFunc("/scans/{id}", api.GetScan).Methods("GET")
	c.HandleFunc("/scans/{id}/download", api.DownloadScan).Methods("POST")
	c.HandleFunc("/scans/{id}/annotations", api.GetAnnotations).Methods("GET")
	c.HandleFunc("/scans/{id}/annotations", api.AddAnnotation).Methods("POST")

	// Metadata and housekeeping
	c.HandleFunc("/metadata", api.GetAllMetadata).Methods("GET")
	c.HandleFunc("/metadata/{id}", api.GetFileMetadata).Methods("GET")
	c.HandleFunc("/files/{type}/{id}", api.DeleteFile).Methods("DELETE")
	c.HandleFunc("/stats", api.GetStats).Methods("GET")

	// Network status
	router.HandleFunc("/network/status", api.GetNetworkStatus).Methods("GET")
	router.HandleFunc("/network/peers", api.GetPeers).Methods("GET")
	router.HandleFunc("/network/events", api.GetEvents).Methods("GET")
}

// Handler exposes the routed handler without CORS, for embedding and tests.
func (api *API) Handler() http.Handler {
	return api.router
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

func (api *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		res := api.limiter.Reserve()
		if delay := res.Delay(); !res.OK() || delay > 0 {
			res.Cancel()
			secs := int(math.Ceil(delay.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			api.logger.Warn("Rate limit exceeded", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			api.sendError(w, "Rate limit exceeded", http.StatusTooManyRequests, apperr.KindRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (api *API) ListContexts(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    api.node.Contexts(r.URL.Query().Get("application_id")),
	})
}

type createContextRequest struct {
	ApplicationID string `json:"application_id"`
}

func (api *API) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if !api.decode(w, r, &req) {
		return
	}
	info, err := api.node.CreateContext(r.Context(), req.ApplicationID)
	if err != nil {
		api.sendAppError(w, "Failed to create context", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: info})
}

func (api *API) store(w http.ResponseWriter, r *http.Request) (*core.Store, bool) {
	store, err := api.node.Store(mux.Vars(r)["contextId"])
	if err != nil {
		api.sendAppError(w, "Context not found", err)
		return nil, false
	}
	return store, true
}

// Model upload handler
func (api *API) UploadModel(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	var req core.ModelUpload
	if !api.decode(w, r, &req) {
		return
	}

	id, err := store.UploadModel(r.Context(), req)
	if err != nil {
		api.sendAppError(w, "Failed to store model", err)
		return
	}

	api.logger.Info("Model uploaded", zap.String("model_id", id), zap.String("name", req.Name))
	api.sendResponse(w, APIResponse{Success: true, Data: map[string]string{"id": id}})
}

func (api *API) GetPublicModels(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	models, err := store.GetPublicModels(r.Context())
	if err != nil {
		api.sendAppError(w, "Failed to list models", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: models})
}

func (api *API) GetModel(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	model, err := store.GetModel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendAppError(w, "Model not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: model})
}

type downloadRequest struct {
	Downloader string `json:"downloader"`
}

func (api *API) DownloadModel(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	var req downloadRequest
	if !api.decode(w, r, &req) {
		return
	}
	model, err := store.DownloadModel(r.Context(), mux.Vars(r)["id"], req.Downloader)
	if err != nil {
		api.sendAppError(w, "Model not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: model})
}

func (api *API) UploadScan(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	var req core.ScanUpload
	if !api.decode(w, r, &req) {
		return
	}

	id, err := store.UploadScan(r.Context(), req)
	if err != nil {
		api.sendAppError(w, "Failed to store scan", err)
		return
	}

	api.logger.Info("Scan uploaded", zap.String("scan_id", id), zap.String("patient_id", req.PatientID))
	api.sendResponse(w, APIResponse{Success: true, Data: map[string]string{"id": id}})
}

func (api *API) GetScan(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	scan, err := store.GetScan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendAppError(w, "Scan not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: scan})
}

func (api *API) GetScansByPatient(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		api.sendError(w, "patient_id is required", http.StatusBadRequest, apperr.KindValidation)
		return
	}
	scans, err := store.GetScansByPatient(r.Context(), patientID)
	if err != nil {
		api.sendAppError(w, "Failed to list scans", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: scans})
}

func (api *API) DownloadScan(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	var req downloadRequest
	if !api.decode(w, r, &req) {
		return
	}
	scan, err := store.DownloadScan(r.Context(), mux.Vars(r)["id"], req.Downloader)
	if err != nil {
		api.sendAppError(w, "Scan not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: scan})
}

type annotationRequest struct {
	Label string `json:"label"`
}

func (api *API) AddAnnotation(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	var req annotationRequest
	if !api.decode(w, r, &req) {
		return
	}
	id, err := store.AddAnnotation(r.Context(), mux.Vars(r)["id"], req.Label)
	if err != nil {
		api.sendAppError(w, "Failed to add annotation", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: map[string]string{"id": id}})
}

func (api *API) GetAnnotations(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	anns, err := store.GetAnnotations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendAppError(w, "Scan not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: anns})
}

func (api *API) GetAllMetadata(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	all, err := store.GetAllMetadata(r.Context())
	if err != nil {
		api.sendAppError(w, "Failed to list metadata", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: all})
}

func (api *API) GetFileMetadata(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	meta, err := store.GetFileMetadata(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendAppError(w, "File not found", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: meta})
}

func (api *API) DeleteFile(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := store.DeleteFile(r.Context(), vars["id"], vars["type"]); err != nil {
		api.sendAppError(w, "Failed to delete file", err)
		return
	}
	api.sendResponse(w, APIResponse{
		Success: true,
		Message: "File deleted successfully",
	})
}

func (api *API) GetStats(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	stats, err := store.GetStats(r.Context())
	if err != nil {
		api.sendAppError(w, "Failed to get stats", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: stats, Message: stats.String()})
}

// Network status handler
func (api *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	network := api.node.Network()
	if !network.Running() {
		api.sendResponse(w, APIResponse{
			Success: true,
			Data: map[string]interface{}{
				"peer_count": 0,
				"running":    false,
			},
		})
		return
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"peer_count": len(network.GetPeers()),
			"node_id":    network.GetHost().ID().String(),
			"addresses":  network.GetHost().Addrs(),
			"running":    true,
		},
	})
}

// Get peers handler
func (api *API) GetPeers(w http.ResponseWriter, r *http.Request) {
	network := api.node.Network()
	statuses := api.node.PeerStatuses()
	peerInfo := make([]map[string]interface{}, 0)

	if network.Running() {
		for _, peer := range network.GetPeers() {
			info := map[string]interface{}{
				"id":        peer.String(),
				"addresses": network.GetHost().Peerstore().Addrs(peer),
			}
			if st, ok := statuses[peer]; ok {
				info["contexts"] = st.Contexts
				info["seen_at"] = st.SeenAt
			}
			peerInfo = append(peerInfo, info)
		}
	}

	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    peerInfo,
	})
}

func (api *API) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	api.sendResponse(w, APIResponse{
		Success: true,
		Data:    api.node.Events().Recent(limit),
	})
}

// Helper functions
func (api *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest, apperr.KindValidation)
		return false
	}
	return true
}

func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendAppError(w http.ResponseWriter, fallback string, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation, apperr.KindDecode:
		status = http.StatusBadRequest
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	message := fallback
	if kind != apperr.KindOther {
		message = err.Error()
	} else {
		api.logger.Error(fallback, zap.Error(err))
	}
	api.sendError(w, message, status, kind)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int, kind apperr.Kind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
		Kind:    kind.String(),
	})
}
