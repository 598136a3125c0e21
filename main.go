package main

import (
	"context"
	"cowrite-server/access"
	"cowrite-server/config"
	"cowrite-server/core"
	"cowrite-server/handlers/api/rooms"
	"cowrite-server/handlers/websocket"
	"cowrite-server/reaper"
	"cowrite-server/sessions"
	"cowrite-server/share"
	"cowrite-server/stores"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(store core.RoomStore, clientURL string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{clientURL},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if origin == clientURL {
				return true
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "::1":
					return true
				}
			}

			return false
		},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/health", rooms.HandleHealth())
	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", rooms.HandleList(store))
		r.Get("/{roomId}", rooms.HandleGet(store))
	})

	return r
}

func waitForShutdown(ioo *socketio.Server, srv *http.Server, store core.Store, stopBackground context.CancelFunc) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down")
	stopBackground()
	ioo.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close storage")
	}
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logrus.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stopBackground := context.WithCancel(context.Background())

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}

	controller := access.NewController(store, sessions.NewRegistry())
	manager := share.NewManager(store, controller, share.WithTTL(cfg.ShareTokenTTL))
	protocol := websocket.NewProtocol(controller, manager)

	if cfg.RoomRetention > 0 {
		go reaper.New(store, cfg.RoomRetention, cfg.ReaperInterval).Run(ctx)
	}

	r := setupRouter(store, cfg.ClientURL)
	ioo := websocket.SetupSocketIO(protocol, cfg.ClientURL)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logrus.WithField("addr", cfg.ListenAddr).Info("Starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo, srv, store, stopBackground)
}
