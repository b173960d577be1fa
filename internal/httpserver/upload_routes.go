package httpserver

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"zchat/internal/blob"
	"zchat/internal/domain"
	"zchat/internal/service"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

const discardTimeout = 5 * time.Second

// @Summary      Upload media
// @Description  Stores a file and posts it as an image, video or file message
// @Tags         uploads
// @Security     BearerAuth
// @Accept       multipart/form-data
// @Produce      json
// @Param        file formData file true "Attachment"
// @Param        conversation_id formData int true "Conversation ID"
// @Param        client_msg_id formData string false "Client dedup token"
// @Success      201  {object}  domain.Message
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Failure      413  {object}  errorResponse
// @Router       /uploads [post]
func handleUpload(store blob.Store, convSvc *service.ConversationService, msgSvc *service.MessageService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
				return
			}
			badRequest(w, "failed to parse multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		convID, err := strconv.ParseInt(r.FormValue("conversation_id"), 10, 64)
		if err != nil || convID <= 0 {
			badRequest(w, "conversation_id is required")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "missing file")
			return
		}
		defer file.Close()

		user := CurrentUser(r)
		// Refuse before storing anything for outsiders.
		if _, err := convSvc.Get(r.Context(), convID, user.ID); err != nil {
			writeError(w, r, err)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
				contentType = byExt
			}
		}

		name := blob.ObjectName(header.Filename, time.Now())
		url, err := store.Put(r.Context(), name, file, header.Size, contentType)
		if err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r).Info("upload stored",
			zap.String("object", name),
			zap.Int64("size", header.Size),
			zap.String("content_type", contentType))

		in := service.SendMessageInput{
			ConversationID: convID,
			Payload:        domain.MediaPayload(contentType, url),
		}
		if token := r.FormValue("client_msg_id"); token != "" {
			in.ClientMsgID = &token
		}
		msg, created, err := msgSvc.SendMessage(r.Context(), in, user.ID)
		if err != nil || !created {
			// No message references the new object.
			discardUpload(r, store, name)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, msg)
	}
}

func discardUpload(r *http.Request, store blob.Store, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), discardTimeout)
	defer cancel()
	if err := store.Delete(ctx, name); err != nil {
		requestLogger(r).Warn("orphaned upload left in store",
			zap.String("object", name),
			zap.Error(err))
		return
	}
	requestLogger(r).Info("upload discarded", zap.String("object", name))
}

// handleServeUpload serves objects written by a LocalStore.
func handleServeUpload(local *blob.LocalStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		// Prevent path traversal by not allowing separators.
		if filename == "" || filepath.Base(filename) != filename {
			badRequest(w, "invalid filename")
			return
		}
		path, err := local.Path(blob.Prefix + filename)
		if err != nil {
			badRequest(w, "invalid filename")
			return
		}
		http.ServeFile(w, r, path)
	}
}
