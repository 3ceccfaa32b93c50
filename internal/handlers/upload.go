package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"nestbox/internal/filesystem"
	"nestbox/internal/jobs"
	"nestbox/internal/logging"
	"nestbox/internal/merge"
	"nestbox/internal/metrics"
	"nestbox/internal/middleware"
	"nestbox/internal/upload"
)

// StatusClientClosedRequest is the non-standard status returned when the
// client goes away mid-chunk.
const StatusClientClosedRequest = 499

// Upload response statuses.
const (
	uploadStatusOK             = "ok"
	uploadStatusQueued         = "complete_queued"
	uploadStatusResumeRequired = "resume_required"
)

// chunkForm holds the Dropzone fields that precede the file part.
type chunkForm struct {
	uuid        string
	index       int
	total       int
	destination string
}

// UploadChunk stores one chunk of a Dropzone upload. The dz* fields and
// destination must come before the file part, which is streamed straight
// to the chunk store. Whichever chunk completes the set queues the merge.
func (h *Handlers) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, "Malformed request", http.StatusBadRequest)
		return
	}

	form := chunkForm{total: 1}
	var seen = map[string]bool{}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				w.WriteHeader(StatusClientClosedRequest)
				return
			}
			logging.Error("[UPLOAD ERROR] Bad form data: %v", err)
			writeJSONError(w, "Malformed request", http.StatusBadRequest)
			return
		}

		name := part.FormName()
		if name != "file" {
			if err := readField(part, name, &form, seen); err != nil {
				part.Close()
				logging.Error("[UPLOAD ERROR] Bad form data: %v", err)
				writeJSONError(w, "Malformed request", http.StatusBadRequest)
				return
			}
			part.Close()
			continue
		}

		h.saveChunk(w, r, part, form, seen)
		part.Close()
		return
	}

	logging.Error("[UPLOAD ERROR] Bad form data: no file part")
	writeJSONError(w, "Malformed request", http.StatusBadRequest)
}

// readField reads one small form value into form.
func readField(part *multipart.Part, name string, form *chunkForm, seen map[string]bool) error {
	raw, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return err
	}
	value := strings.TrimSpace(string(raw))
	seen[name] = true

	switch name {
	case "dzuuid":
		form.uuid = value
	case "dzchunkindex":
		if form.index, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("dzchunkindex: %w", err)
		}
	case "dztotalchunkcount":
		if form.total, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("dztotalchunkcount: %w", err)
		}
	case "destination":
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		form.destination = value
	}
	return nil
}

func (h *Handlers) saveChunk(w http.ResponseWriter, r *http.Request, part *multipart.Part, form chunkForm, seen map[string]bool) {
	ctx := r.Context()

	if form.destination == "" || !filesystem.IsSafePath(form.destination) {
		logging.Warn("[SECURITY] Path Traversal attempt blocked: %q", form.destination)
		writeJSONError(w, "Forbidden path", http.StatusForbidden)
		return
	}
	destination := filepath.Clean(form.destination)

	filename := part.FileName()
	if !seen["dzuuid"] || !merge.ValidFilename(filename) {
		logging.Error("[UPLOAD ERROR] Bad form data: missing uuid or filename")
		writeJSONError(w, "Malformed request", http.StatusBadRequest)
		return
	}

	if err := h.chunks.SaveChunk(ctx, form.uuid, form.index, form.total, part); err != nil {
		switch {
		case errors.Is(err, upload.ErrClientDisconnected):
			w.WriteHeader(StatusClientClosedRequest)
		case errors.Is(err, upload.ErrInvalidChunk):
			writeJSONError(w, "Malformed request", http.StatusBadRequest)
		default:
			logging.Error("[UPLOAD ERROR] req=%s chunk %d of %s: %v", middleware.RequestID(ctx), form.index, form.uuid, err)
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	req := merge.Request{
		SessionID:   form.uuid,
		Destination: destination,
		Filename:    filename,
		TotalChunks: form.total,
	}

	missing, err := h.chunks.MissingCount(req.SessionID, req.TotalChunks)
	if err != nil {
		logging.Error("[UPLOAD ERROR] Failed to count chunks for %s: %v", req.SessionID, err)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch {
	case missing == 0:
		h.completeUpload(w, req)
	case form.index+1 == form.total:
		metrics.UploadsCompletedTotal.WithLabelValues(uploadStatusResumeRequired).Inc()
		logging.Warn("[UPLOAD INCOMPLETE] UUID=%s missing %d chunks. Waiting for client resume.", req.SessionID, missing)
		writeJSONCode(w, http.StatusConflict, map[string]interface{}{
			"status":         uploadStatusResumeRequired,
			"uuid":           req.SessionID,
			"missing_chunks": missing,
		})
	default:
		writeJSONCode(w, http.StatusOK, map[string]interface{}{
			"status": uploadStatusOK,
			"chunk":  form.index,
		})
	}
}

// completeUpload runs once every chunk is staged, whichever arrived last:
// it reports a duplicate or queues the merge.
func (h *Handlers) completeUpload(w http.ResponseWriter, req merge.Request) {
	target := req.Target()
	if _, err := os.Lstat(target); err == nil {
		logging.Warn("[MERGE] Duplicate found at %s, discarding upload %s", target, req.SessionID)
		if err := h.chunks.Remove(req.SessionID); err != nil {
			logging.Error("[CLEANUP] Failed to remove staging for %s: %v", req.SessionID, err)
		}
		metrics.UploadsCompletedTotal.WithLabelValues(string(merge.StatusDuplicate)).Inc()
		writeJSONCode(w, http.StatusOK, map[string]string{
			"status":    string(merge.StatusDuplicate),
			"uuid":      req.SessionID,
			"file_path": target,
		})
		return
	}

	id, err := h.queue.Enqueue(merge.JobName, req,
		jobs.WithDelay(h.mergeDelay), jobs.WithKey(req.SessionID), jobs.Unique())
	switch {
	case errors.Is(err, jobs.ErrDuplicateKey):
		logging.Info("[QUEUE] UUID=%s merge already queued (Task ID: %s)", req.SessionID, id)
	case err != nil:
		logging.Error("[QUEUE] Failed to queue merge for %s: %v", req.SessionID, err)
		writeJSONError(w, "Failed to queue merge", http.StatusServiceUnavailable)
		return
	default:
		metrics.UploadsCompletedTotal.WithLabelValues(uploadStatusQueued).Inc()
		logging.Info("[QUEUE SUCCESS] UUID=%s merge queued (Task ID: %s)", req.SessionID, id)
	}

	writeJSONCode(w, http.StatusOK, map[string]string{
		"status":   uploadStatusQueued,
		"uuid":     req.SessionID,
		"task_id":  id,
		"filename": req.Filename,
	})
}

// UploadStatus reports how many chunks of a session are staged. With a
// total it also lists the missing indexes so the client can resume.
func (h *Handlers) UploadStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("uuid")
	if sessionID == "" {
		writeJSONError(w, "Missing uuid", http.StatusBadRequest)
		return
	}
	if !upload.ValidSessionID(sessionID) {
		writeJSONError(w, "Invalid uuid", http.StatusBadRequest)
		return
	}

	count, err := h.chunks.CountPresent(sessionID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{"uploaded_chunks": count}
	if total := queryInt(r, "total", 0); total > 0 {
		missing, err := h.chunks.Missing(sessionID, total)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if missing == nil {
			missing = []int{}
		}
		resp["missing"] = missing
	}

	writeJSONCode(w, http.StatusOK, resp)
}

// CheckpointRequest asks whether a file already exists before uploading.
type CheckpointRequest struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// UploadCheckpoint reports whether filename already exists under path.
func (h *Handlers) UploadCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Filename == "" || req.Path == "" {
		writeJSONCode(w, http.StatusBadRequest, map[string]interface{}{
			"exists": false,
			"error":  "Missing parameters",
		})
		return
	}

	if !filesystem.IsSafePath(req.Path) || !merge.ValidFilename(req.Filename) {
		logging.Warn("[SECURITY] Blocked unsafe path check: %q", req.Path)
		writeJSONCode(w, http.StatusForbidden, map[string]interface{}{
			"exists": false,
			"error":  "Forbidden path",
		})
		return
	}

	dir := filepath.Clean(req.Path)
	_, err := filesystem.StatWithRetry(filepath.Join(dir, req.Filename), filesystem.DefaultRetryConfig())
	exists := err == nil

	state := "not found"
	if exists {
		state = "exists"
	}
	logging.Info("[CHECKPOINT] %s %s in %s", req.Filename, state, dir)
	writeJSONCode(w, http.StatusOK, map[string]bool{"exists": exists})
}
