package httpserver

import (
	"net/http"

	"zchat/internal/service"
)

type conversationCreateRequest struct {
	PeerID         *int64  `json:"peer_id"`
	IsGroup        bool    `json:"is_group"`
	ParticipantIDs []int64 `json:"participant_ids"`
	Name           string  `json:"name"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type addParticipantRequest struct {
	UserID int64 `json:"user_id"`
}

type unreadResponse struct {
	ConversationID int64 `json:"conversation_id"`
	UnreadCount    int   `json:"unread_count"`
}

// @Summary      Create conversation
// @Description  Find or create a direct conversation ({peer_id}) or create a group ({is_group, participant_ids, name})
// @Tags         conversations
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        input body conversationCreateRequest true "Conversation input"
// @Success      200  {object}  domain.Conversation "existing direct conversation"
// @Success      201  {object}  domain.Conversation
// @Failure      400  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /conversations [post]
func handleCreateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		currentUser := CurrentUser(r)

		if req.IsGroup {
			conv, err := convSvc.CreateGroup(r.Context(), currentUser.ID, req.ParticipantIDs, req.Name)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, conv)
			return
		}

		peerID := int64(0)
		switch {
		case req.PeerID != nil:
			peerID = *req.PeerID
		case len(req.ParticipantIDs) == 1:
			peerID = req.ParticipantIDs[0]
		default:
			badRequest(w, "peer_id is required for a direct conversation")
			return
		}
		conv, created, err := convSvc.FindOrCreateDirect(r.Context(), currentUser.ID, peerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conv)
	}
}

// @Summary      List conversations
// @Description  Snapshot of the caller's conversations, most recently active first
// @Tags         conversations
// @Security     BearerAuth
// @Produce      json
// @Success      200  {array}  domain.ConversationSummary
// @Router       /conversations [get]
func handleListConversations(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := convSvc.Snapshot(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

// @Summary      Get conversation
// @Tags         conversations
// @Security     BearerAuth
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Success      200  {object}  domain.Conversation
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /conversations/{conversationID} [get]
func handleGetConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		conv, err := convSvc.Get(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Rename group
// @Tags         conversations
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Param        input body renameRequest true "New name"
// @Success      200  {object}  domain.Conversation
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations/{conversationID} [patch]
func handleRenameConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		var req renameRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		conv, err := convSvc.Rename(r.Context(), id, CurrentUser(r).ID, req.Name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Delete group
// @Tags         conversations
// @Security     BearerAuth
// @Param        conversationID path int true "Conversation ID"
// @Success      204
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations/{conversationID} [delete]
func handleDeleteConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		if err := convSvc.Delete(r.Context(), id, CurrentUser(r).ID); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// @Summary      Add group member
// @Tags         conversations
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Param        input body addParticipantRequest true "Member"
// @Success      200  {object}  domain.Conversation
// @Failure      400  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations/{conversationID}/participants [post]
func handleAddParticipant(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		var req addParticipantRequest
		if err := decodeJSON(r, &req); err != nil || req.UserID <= 0 {
			badRequest(w, "user_id is required")
			return
		}
		conv, err := convSvc.AddParticipant(r.Context(), id, CurrentUser(r).ID, req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Mark conversation read
// @Tags         conversations
// @Security     BearerAuth
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Success      200  {object}  unreadResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations/{conversationID}/read [post]
func handleMarkConversationRead(readSvc *service.ReadStateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		n, err := readSvc.MarkRead(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, unreadResponse{ConversationID: id, UnreadCount: n})
	}
}

// @Summary      Unread count
// @Tags         conversations
// @Security     BearerAuth
// @Produce      json
// @Param        conversationID path int true "Conversation ID"
// @Success      200  {object}  unreadResponse
// @Failure      403  {object}  errorResponse
// @Router       /conversations/{conversationID}/unread [get]
func handleUnreadCount(readSvc *service.ReadStateService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "conversationID")
		if !ok {
			badRequest(w, "invalid conversation id")
			return
		}
		n, err := readSvc.UnreadCount(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, unreadResponse{ConversationID: id, UnreadCount: n})
	}
}

// @Summary      Add every user to the channel
// @Tags         channel
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  map[string]int
// @Router       /channel/sync [post]
func handleSyncChannel(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		added, err := convSvc.SyncChannel(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"added": added})
	}
}
