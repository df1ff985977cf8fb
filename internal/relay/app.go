package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kartik-212004/collaborative-board/internal/auth"
	"github.com/kartik-212004/collaborative-board/internal/registry"
	"github.com/kartik-212004/collaborative-board/internal/relay/middleware"
	"github.com/kartik-212004/collaborative-board/internal/snapshot"
	"github.com/kartik-212004/collaborative-board/pkg/config"
	"github.com/kartik-212004/collaborative-board/pkg/transport"
)

// App wires the relay together: registry, broadcaster, snapshot store and
// the HTTP surface (/ws behind the middleware chain, /healthz for
// external pingers).
type App struct {
	logger *slog.Logger
	reg    registry.Registry
	bc     *Broadcaster
	store  snapshot.Store
	wg     sync.WaitGroup
	http   *http.Server
	config *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	reg := registry.NewInMemory(logger)

	app := &App{
		logger: logger,
		reg:    reg,
		bc:     NewBroadcaster(reg, logger),
		store:  snapshot.New(cfg.Snapshot, logger),
		config: cfg,
		ctx:    rootCtx,
	}

	authenticator := auth.NewJWT(cfg.Server.Auth.JWTSecret)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := reg.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID))
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, authenticator),
			middleware.NewConnectionLimiter(
				logger,
				reg.UserConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Identity.ID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	session := NewSession(a.logger, conn, reqMeta.Identity, a.reg, a.bc, a.store)
	conn.SetOnMessageHandler(session.HandleMessage)
	conn.SetOnCloseHandler(session.Closed)

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown is the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.reg.AllConns() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
