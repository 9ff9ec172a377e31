package router

import (
	"net/http"

	"github.com/gorilla/mux"

	docHandler "slidesync/internal/document"
	"slidesync/internal/document/service"
	"slidesync/middleware"
	"slidesync/socket"
)

type Options struct {
	JWTSecret      string
	AllowedOrigins []string
}

func Setup(svc *service.DocumentService, hub *socket.Hub, opts Options) http.Handler {
	r := mux.NewRouter()
	auth := middleware.AuthMiddleware(opts.JWTSecret)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", hub.ServeStats).Methods(http.MethodGet)

	// WebSocket
	r.Handle("/ws", auth(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		socket.ServeWs(hub, w, req, middleware.UserIDFrom(req.Context()))
	})))

	// REST API
	api := r.NewRoute().Subrouter()
	api.Use(auth)
	docHandler.NewDocumentHandler(svc, hub).Register(api)

	return middleware.CORSMiddleware(opts.AllowedOrigins)(r)
}
