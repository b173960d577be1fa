package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "zchat/docs"
	"zchat/internal/blob"
	"zchat/internal/service"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Log           *zap.Logger
	CORSOrigins   []string
	MaxUploadSize int64

	Auth          *service.AuthService
	Users         *service.UserService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Reads         *service.ReadStateService

	Blobs blob.Store
	// LocalFiles is set when uploads are stored on disk and served by us.
	LocalFiles *blob.LocalStore
	// WS serves the push endpoint.
	WS http.Handler
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxUploadSize <= 0 {
		d.MaxUploadSize = 500 << 20
	}

	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "zChat Go Application API",
			"version": "1.0.0",
			"docs":    "/docs",
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	r.Route("/api", func(r chi.Router) {
		// Auth routes (no auth required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/auth/register", handleRegister(d.Auth))
			r.Post("/auth/login", handleLogin(d.Auth))
		})

		if d.LocalFiles != nil {
			r.Get("/uploads/messages/{filename}", handleServeUpload(d.LocalFiles))
		}

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Auth))

			// Uploads stream large bodies and are not bound by the request timeout.
			if d.Blobs != nil {
				r.Post("/uploads", handleUpload(d.Blobs, d.Conversations, d.Messages, d.MaxUploadSize))
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/auth/me", handleMe())

				r.Route("/users", func(r chi.Router) {
					r.Get("/", handleListUsers(d.Users))
					r.Get("/{userID}", handleGetUser(d.Users))
				})

				r.Route("/conversations", func(r chi.Router) {
					r.Post("/", handleCreateConversation(d.Conversations))
					r.Get("/", handleListConversations(d.Conversations))
					r.Get("/{conversationID}", handleGetConversation(d.Conversations))
					r.Patch("/{conversationID}", handleRenameConversation(d.Conversations))
					r.Delete("/{conversationID}", handleDeleteConversation(d.Conversations))
					r.Post("/{conversationID}/participants", handleAddParticipant(d.Conversations))
					r.Post("/{conversationID}/read", handleMarkConversationRead(d.Reads))
					r.Get("/{conversationID}/unread", handleUnreadCount(d.Reads))
					r.Get("/{conversationID}/messages", handleListMessages(d.Messages))
					r.Post("/{conversationID}/messages", handleCreateMessage(d.Messages))
				})

				r.Post("/channel/sync", handleSyncChannel(d.Conversations))
			})
		})
	})

	// WebSocket endpoint authenticates on its own; browsers cannot set headers.
	if d.WS != nil {
		r.Get("/ws", d.WS.ServeHTTP)
	}

	return r
}
