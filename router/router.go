package router

import (
	"net/http"

	"github.com/gorilla/mux"

	collabHandler "labelroom/internal/collab"
	"labelroom/internal/collab/model"
	"labelroom/internal/collab/service"
	"labelroom/middleware"
	"labelroom/socket"
)

func Setup(manager *service.SessionManager, hub *socket.Hub, archive collabHandler.ArchiveLister, jwtSecret string) http.Handler {
	r := mux.NewRouter()
	auth := middleware.AuthMiddleware(jwtSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := middleware.IdentityFrom(r.Context())
		user := model.User{ID: id.UserID, Name: id.Name, Role: model.Role(id.Role)}
		socket.ServeWs(hub, w, r, user)
	})
	r.Handle("/ws", auth(wsHandler))

	// Status API
	h := collabHandler.NewCollabHandler(manager, archive)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/archive", h.ListArchive).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	return middleware.CORSMiddleware(r)
}
