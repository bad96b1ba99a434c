package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caflabs/packd/internal/logger"
	"github.com/caflabs/packd/pkg/blobstore"
	"github.com/caflabs/packd/pkg/caf"
	"github.com/caflabs/packd/pkg/cafcache"
	"github.com/caflabs/packd/pkg/catalog"
)

// taskIDPattern is the accepted shape for task identifiers.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CatalogReader is the subset of the catalog the facade needs.
type CatalogReader interface {
	Lookup(ctx context.Context, taskID, filePath string) (*catalog.FileRecord, error)
}

// Metrics receives facade observations. A nil Metrics records nothing.
type Metrics interface {
	ExtractionServed(status int)
	ContainerCacheLookup(hit bool)
	ContainerDownloaded(duration time.Duration, err error)
	ProofCacheLookup(hit bool)
}

// Handler serves the retrieval endpoints.
type Handler struct {
	cat     CatalogReader
	blobs   blobstore.Store
	cache   *cafcache.DiskCache
	proofs  *cafcache.ProofCache
	metrics Metrics

	workerID        int
	downloadTimeout time.Duration
}

// NewHandler wires the facade's collaborators together.
func NewHandler(cat CatalogReader, blobs blobstore.Store, cache *cafcache.DiskCache, proofs *cafcache.ProofCache, workerID int, downloadTimeout time.Duration, metrics Metrics) *Handler {
	if downloadTimeout <= 0 {
		downloadTimeout = DefaultDownloadTimeout
	}
	return &Handler{
		cat:             cat,
		blobs:           blobs,
		cache:           cache,
		proofs:          proofs,
		metrics:         metrics,
		workerID:        workerID,
		downloadTimeout: downloadTimeout,
	}
}

// Health reports liveness. It always returns 200 once initialization
// finished.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workerId":  h.workerID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// pathParams extracts and validates taskID and filePath from the request.
// A false return means the 400 response has already been written.
func (h *Handler) pathParams(w http.ResponseWriter, r *http.Request) (taskID, filePath string, ok bool) {
	taskID = chi.URLParam(r, "taskID")
	filePath = chi.URLParam(r, "*")

	if taskID == "" || !taskIDPattern.MatchString(taskID) {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Invalid taskId format",
			TaskID: taskID,
		})
		return "", "", false
	}

	if filePath == "" || strings.Contains(filePath, "..") ||
		strings.Contains(filePath, "~") || strings.HasPrefix(filePath, "/") {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:    "Invalid filePath format",
			TaskID:   taskID,
			FilePath: filePath,
		})
		return "", "", false
	}

	return taskID, filePath, true
}

// lookup resolves the catalog record, rendering 404/500 on failure.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, taskID, filePath string) (*catalog.FileRecord, bool) {
	rec, err := h.cat.Lookup(r.Context(), taskID, filePath)
	if err != nil {
		if errors.Is(err, catalog.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, ErrorResponse{
				Error:    "File not found",
				TaskID:   taskID,
				FilePath: filePath,
			})
			return nil, false
		}
		logger.Error("catalog lookup failed",
			logger.KeyTaskID, taskID, logger.KeyFilePath, filePath, "error", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Catalog lookup failed",
			Message: err.Error(),
		})
		return nil, false
	}
	return rec, true
}

// File streams a member's raw bytes out of its container.
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	taskID, filePath, ok := h.pathParams(w, r)
	if !ok {
		h.served(http.StatusBadRequest)
		return
	}

	rec, ok := h.lookup(w, r, taskID, filePath)
	if !ok {
		h.served(http.StatusNotFound)
		return
	}

	local, err := h.ensureContainer(r.Context(), rec.BundleID)
	if err != nil {
		logger.Error("failed to materialize container",
			logger.KeyContainer, rec.BundleID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:    "Failed to retrieve container",
			Message:  err.Error(),
			TaskID:   taskID,
			FilePath: filePath,
		})
		h.served(http.StatusInternalServerError)
		return
	}

	reader := caf.NewReader(local)
	if err := reader.LoadIndex(); err != nil {
		// The container validated moments ago; treat this as cache
		// corruption and drop the local copy.
		_ = h.cache.Remove(rec.BundleID)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Corrupted container",
			Message: err.Error(),
		})
		h.served(http.StatusInternalServerError)
		return
	}

	member := taskID + "/" + filePath
	data, err := reader.Extract(member)
	if err != nil {
		// The catalog asserted presence; a missing member is an internal
		// inconsistency, not a 404.
		logger.Error("member missing from container",
			logger.KeyContainer, rec.BundleID, logger.KeyMember, member, "error", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:    "Failed to extract file from container",
			Message:  err.Error(),
			TaskID:   taskID,
			FilePath: filePath,
		})
		h.served(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write response body", "error", err)
	}
	h.served(http.StatusOK)

	h.cache.Done(rec.BundleID)
}

// FileInfo returns the catalog record for a member.
func (h *Handler) FileInfo(w http.ResponseWriter, r *http.Request) {
	taskID, filePath, ok := h.pathParams(w, r)
	if !ok {
		return
	}

	rec, ok := h.lookup(w, r, taskID, filePath)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filePath":   rec.FilePath,
		"taskId":     rec.TaskID,
		"bundleId":   rec.BundleID,
		"jsWorkerId": rec.JSWorkerID,
		"createdAt":  rec.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  rec.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// FileProof returns the blob service's proof tokens for the member's
// container, with a short-TTL cache in front.
func (h *Handler) FileProof(w http.ResponseWriter, r *http.Request) {
	taskID, filePath, ok := h.pathParams(w, r)
	if !ok {
		return
	}

	rec, ok := h.lookup(w, r, taskID, filePath)
	if !ok {
		return
	}

	key := cafcache.ProofKey{Container: rec.BundleID, FilePath: filePath, TaskID: taskID}
	if proofs, hit := h.proofs.Get(key); hit {
		h.proofLookup(true)
		writeJSON(w, http.StatusOK, map[string]any{"proofs": proofs})
		return
	}
	h.proofLookup(false)

	proofs, err := h.blobs.GetProofs(r.Context(), rec.BundleID)
	if err != nil {
		logger.Error("proof fetch failed", logger.KeyContainer, rec.BundleID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to fetch proofs",
			Message: err.Error(),
		})
		return
	}

	h.proofs.Put(key, proofs)
	writeJSON(w, http.StatusOK, map[string]any{"proofs": proofs})
}

// ensureContainer returns a validated local copy of the container,
// downloading it when the cache has no usable copy.
func (h *Handler) ensureContainer(ctx context.Context, container string) (string, error) {
	local := h.cache.Path(container)

	if h.cache.Has(container) {
		if err := caf.ValidateFile(local); err == nil {
			h.cacheLookup(true)
			return local, nil
		}
		// Corrupted or truncated cache entry; drop and re-download.
		logger.Warn("cached container failed validation, re-downloading",
			logger.KeyContainer, container)
		_ = h.cache.Remove(container)
	}
	h.cacheLookup(false)

	dlCtx, cancel := context.WithTimeout(ctx, h.downloadTimeout)
	defer cancel()

	start := time.Now()
	err := h.blobs.GetContainer(dlCtx, container, local)
	if h.metrics != nil {
		h.metrics.ContainerDownloaded(time.Since(start), err)
	}
	if err != nil {
		_ = h.cache.Remove(container)
		return "", fmt.Errorf("download failed: %w", err)
	}

	if err := caf.ValidateFile(local); err != nil {
		_ = h.cache.Remove(container)
		return "", fmt.Errorf("downloaded container failed validation: %w", err)
	}

	return local, nil
}

func (h *Handler) served(status int) {
	if h.metrics != nil {
		h.metrics.ExtractionServed(status)
	}
}

func (h *Handler) cacheLookup(hit bool) {
	if h.metrics != nil {
		h.metrics.ContainerCacheLookup(hit)
	}
}

func (h *Handler) proofLookup(hit bool) {
	if h.metrics != nil {
		h.metrics.ProofCacheLookup(hit)
	}
}
