package httpserver

import (
	"net/http"

	"zchat/internal/service"
)

// @Summary      List users
// @Tags         users
// @Security     BearerAuth
// @Produce      json
// @Param        offset query int false "Offset"
// @Param        limit  query int false "Limit (max 200)"
// @Success      200  {array}  domain.User
// @Router       /users [get]
func handleListUsers(userSvc *service.UserService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, ok := queryInt(r, "offset", 0)
		if !ok {
			badRequest(w, "invalid offset")
			return
		}
		limit, ok := queryInt(r, "limit", 100)
		if !ok {
			badRequest(w, "invalid limit")
			return
		}
		users, err := userSvc.List(r.Context(), int(offset), int(limit))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	}
}

// @Summary      Get user
// @Tags         users
// @Security     BearerAuth
// @Produce      json
// @Param        userID path int true "User ID"
// @Success      200  {object}  domain.User
// @Failure      404  {object}  errorResponse
// @Router       /users/{userID} [get]
func handleGetUser(userSvc *service.UserService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "userID")
		if !ok {
			badRequest(w, "invalid user id")
			return
		}
		user, err := userSvc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
