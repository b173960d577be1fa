package httpserver

import (
	"net/http"

	"zchat/internal/domain"
	"zchat/internal/service"
)

// messageCreateRequest carries exactly one of text, image, video or file.
type messageCreateRequest struct {
	Text        string  `json:"text"`
	Image       string  `json:"image"`
	Video       string  `json:"video"`
	File        string  `json:"file"`
	ClientMsgID *string `json:"client_msg_id"`
}

// @Summary      Send message
// @Tags         messages
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Param        input body messageCreateRequest true "Message"
// @Success      200  {object}  domain.Message "replayed client_msg_id"
// @Success      201  {object}  domain.Message
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /conversations/{conversationID}/messages [post]
func handleCreateMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		payload, err := domain.PayloadFromParts(req.Text, req.Image, req.Video, req.File)
		if err != nil {
			writeError(w, r, err)
			return
		}

		msg, created, err := msgSvc.SendMessage(r.Context(), service.SendMessageInput{
			ConversationID: convID,
			Payload:        payload,
			ClientMsgID:    req.ClientMsgID,
		}, CurrentUser(r).ID)
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

// @Summary      List messages
// @Description  Messages with seq greater than since, ascending
// @Tags         messages
// @Security     BearerAuth
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Param        since query int false "Exclusive lower seq bound"
// @Param        limit query int false "Page size"
// @Success      200  {array}  domain.Message
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /conversations/{conversationID}/messages [get]
func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		since, ok := queryInt(r, "since", 0)
		if !ok {
			badRequest(w, "invalid since")
			return
		}
		limit, ok := queryInt(r, "limit", 0)
		if !ok {
			badRequest(w, "invalid limit")
			return
		}

		msgs, err := msgSvc.ListMessages(r.Context(), convID, CurrentUser(r).ID, since, int(limit))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}
