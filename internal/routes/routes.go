package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/ledgersync/internal/handlers"
)

type Handlers struct {
	Auth          *handlers.AuthHandler
	Syncs         *handlers.SyncHandler
	Notifications *handlers.NotificationHandler
	Health        http.HandlerFunc
}

// NewRouter sets up the API routes. Everything under /api requires a bearer
// token.
func NewRouter(h Handlers) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.Auth.JWTMiddleware)

	api.HandleFunc("/syncs", h.Syncs.Create).Methods(http.MethodPost)
	api.HandleFunc("/syncs", h.Syncs.List).Methods(http.MethodGet)
	api.HandleFunc("/syncs/{syncID}", h.Syncs.Get).Methods(http.MethodGet)
	api.HandleFunc("/syncs/{syncID}/progress", h.Syncs.Progress).Methods(http.MethodGet)
	api.HandleFunc("/syncs/{syncID}/progress/stream", h.Syncs.Stream).Methods(http.MethodGet)

	api.HandleFunc("/notifications", h.Notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}/read", h.Notifications.MarkRead).Methods(http.MethodPost)

	return router
}
