package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/metrics"
	"github.com/rtbids/rtbids/pkg/openneuro"
)

// Fetcher downloads an OpenNeuro dataset into dest. Implemented by
// openneuro.Client.
type Fetcher interface {
	Download(ctx context.Context, accession, dest string, opts openneuro.DownloadOptions) (*openneuro.DownloadStats, error)
}

// Handler serves the streaming API
type Handler struct {
	registry     *Registry
	metrics      *metrics.Metrics
	fetcher      Fetcher
	cacheDir     string
	indexBackend string
	started      time.Time
}

// NewHandler creates an API handler backed by the given registry
func NewHandler(registry *Registry, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		registry: registry,
		metrics:  m,
		started:  time.Now(),
	}
}

// SetFetcher enables accession-backed streams. Downloaded datasets
// land under cacheDir keyed by accession number.
func (h *Handler) SetFetcher(f Fetcher, cacheDir string) {
	h.fetcher = f
	h.cacheDir = cacheDir
}

// SetIndexBackend selects how opened datasets are indexed: "memory"
// (the default) or "sqlite", which keeps the file inventory in a
// database under the dataset's .rtbids directory.
func (h *Handler) SetIndexBackend(backend string) {
	h.indexBackend = backend
}

// openArchive opens a dataset with the configured index backend.
func (h *Handler) openArchive(root string) (*archive.Archive, error) {
	if h.indexBackend != "sqlite" {
		return archive.Open(root)
	}
	indexDir := filepath.Join(root, ".rtbids")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, err
	}
	idx, err := archive.NewSQLiteIndex(filepath.Join(indexDir, "index.db"))
	if err != nil {
		return nil, err
	}
	return archive.OpenWithIndex(root, idx)
}

// RegisterRoutes sets up all API endpoints
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/streams", h.CreateStream).Methods("POST")
	router.HandleFunc("/streams", h.ListStreams).Methods("GET")
	router.HandleFunc("/streams/{id}", h.GetStream).Methods("GET")
	router.HandleFunc("/streams/{id}", h.CloseStream).Methods("DELETE")
	router.HandleFunc("/streams/{id}/volumes/{index}", h.GetVolume).Methods("GET")
	router.HandleFunc("/append", h.AppendIncremental).Methods("POST")
	router.HandleFunc("/health", h.Health).Methods("GET")
}

// CreateStream opens a volume stream over one run of a dataset
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if (req.DatasetPath == "") == (req.Accession == "") {
		http.Error(w, "Specify exactly one of dataset_path or accession", http.StatusBadRequest)
		return
	}

	source := "path"
	dataset := req.DatasetPath
	if req.Accession != "" {
		if h.fetcher == nil {
			http.Error(w, "OpenNeuro downloads are not enabled on this server", http.StatusNotImplemented)
			return
		}
		source = "accession"
		var err error
		dataset, err = h.fetchDataset(r.Context(), req.Accession, req.Entities)
		if err != nil {
			log.Printf("Failed to fetch %s: %v", req.Accession, err)
			writeError(w, err)
			return
		}
	}

	arch, err := h.openArchive(dataset)
	if err != nil {
		writeError(w, err)
		return
	}
	defer arch.Close()

	run, err := arch.GetRun(bids.Entities(req.Entities))
	if err != nil {
		writeError(w, err)
		return
	}

	stream := newStream(source, dataset, run.Entities(), run)
	h.registry.Add(stream)

	h.metrics.StreamsOpened.WithLabelValues(source).Inc()
	h.metrics.StreamsActive.Set(float64(h.registry.Len()))

	log.Printf("Opened stream %s over %s (%d volumes)", stream.ID, dataset, stream.NumVolumes())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(stream.Info())
}

// fetchDataset mirrors an OpenNeuro dataset into the cache directory.
// When the request names a subject only that subject's files are
// pulled; repeated fetches skip files already on disk.
func (h *Handler) fetchDataset(ctx context.Context, accession string, entities map[string]string) (string, error) {
	opts := openneuro.DownloadOptions{Gunzip: false}
	if subject, ok := entities["subject"]; ok && subject != "" {
		opts.Include = []string{"sub-" + subject}
	}

	dest := filepath.Join(h.cacheDir, accession)
	stats, err := h.fetcher.Download(ctx, accession, dest, opts)
	if err != nil {
		return "", err
	}
	log.Printf("Fetched %s: %d files downloaded, %d up to date", accession, stats.Downloaded, stats.Skipped)
	return dest, nil
}

// ListStreams returns all open streams
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.registry.List()
	infos := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"streams": infos,
		"count":   len(infos),
	})
}

// GetStream returns one stream's details
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stream, ok := h.registry.Get(vars["id"])
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stream.Info())
}

// GetVolume serves one incremental from a stream. Negative indexes
// count back from the latest volume.
func (h *Handler) GetVolume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		http.Error(w, "Invalid volume index", http.StatusBadRequest)
		return
	}

	stream, ok := h.registry.Get(vars["id"])
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	inc, err := stream.Volume(index)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.VolumesServed.Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inc)
}

// CloseStream removes a stream from the registry
func (h *Handler) CloseStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if !h.registry.Remove(id) {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	h.metrics.StreamsActive.Set(float64(h.registry.Len()))
	log.Printf("Closed stream %s", id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "closed",
		"stream_id": id,
	})
}

// AppendIncremental writes one incremental into an on-disk dataset,
// creating the dataset when it doesn't exist yet.
func (h *Handler) AppendIncremental(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.DatasetPath == "" {
		http.Error(w, "dataset_path is required", http.StatusBadRequest)
		return
	}
	if req.Incremental == nil {
		http.Error(w, "incremental is required", http.StatusBadRequest)
		return
	}

	makePath := true
	if req.MakePath != nil {
		makePath = *req.MakePath
	}

	arch, err := h.openArchive(req.DatasetPath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer arch.Close()

	start := time.Now()
	appended, err := arch.Append(req.Incremental, makePath)
	if err != nil {
		h.metrics.Appends.WithLabelValues("error").Inc()
		log.Printf("Append to %s failed: %v", req.DatasetPath, err)
		writeError(w, err)
		return
	}
	h.metrics.AppendDuration.Observe(time.Since(start).Seconds())

	result := "noop"
	if appended {
		result = "appended"
	}
	h.metrics.Appends.WithLabelValues(result).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AppendResponse{
		Appended: appended,
		Dataset:  req.DatasetPath,
	})
}

// Health returns server health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"streams":        h.registry.Len(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// writeError maps the bids error taxonomy onto HTTP statuses. Unknown
// errors stay 500 so bugs don't masquerade as client mistakes.
func writeError(w http.ResponseWriter, err error) {
	var (
		noMatch  *bids.NoMatchError
		state    *bids.StateError
		query    *bids.QueryError
		valid    *bids.ValidationError
		missing  *bids.MissingMetadataError
		mismatch *bids.MetadataMismatchError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &noMatch), errors.As(err, &state):
		status = http.StatusNotFound
	case errors.As(err, &query), errors.As(err, &valid), errors.As(err, &missing):
		status = http.StatusBadRequest
	case errors.As(err, &mismatch):
		status = http.StatusConflict
	}

	http.Error(w, err.Error(), status)
}
