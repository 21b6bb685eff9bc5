package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/logger"
	"github.com/go-appsec/authdiff/authdiff/service/burp"
)

const (
	shutdownTimeout    = 10 * time.Second
	burpConnectTimeout = 10 * time.Second
)

// Server runs the pipeline controller behind the MCP control server.
type Server struct {
	flags ServerFlags

	cfgStore   *config.Store
	configPath string
	port       int
	log        *logger.Logger

	// Backend implementations
	source     RequestSource
	dispatcher Dispatcher
	memory     *MemorySource     // set when traffic is submitted through the API
	native     *NativeDispatcher // set when dispatching without Burp

	// Runtime state
	controller *Controller
	hub        *EventHub
	mcpServer  *mcpServer
	httpServer *http.Server
	listener   net.Listener
	started    chan struct{}
	shutdownCh chan struct{}
}

// NewServer creates a server with optional backends. When either is nil, Run selects them from
// flags and config.
func NewServer(flags ServerFlags, source RequestSource, dispatcher Dispatcher) (*Server, error) {
	if (source == nil) != (dispatcher == nil) {
		return nil, errors.New("source and dispatcher must be provided together")
	}
	s := &Server{
		flags:      flags,
		source:     source,
		dispatcher: dispatcher,
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	s.memory, _ = source.(*MemorySource)
	s.native, _ = dispatcher.(*NativeDispatcher)
	return s, nil
}

// WaitTillStarted blocks until the server is listening or Run has failed.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// Addr returns the listen address, empty before start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Run starts the controller and the control server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	if err := s.loadOrCreateConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := s.cfgStore.Get()

	if s.log == nil {
		logCfg := cfg.Log
		if s.flags.LogLevel != "" {
			logCfg.Level = s.flags.LogLevel
		}
		log, err := logger.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		s.log = log
	}
	defer s.log.Sync()
	s.log.Infow("authdiff service starting", "version", config.Version, "rev", config.RevNum,
		"config", s.configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if s.source == nil {
		if err := s.setupBackend(ctx, cfg); err != nil {
			return fmt.Errorf("failed to setup backend: %w", err)
		}
	}

	s.hub = NewEventHub(s.log)
	s.controller = NewController(ControllerOptions{
		Source:     s.source,
		Dispatcher: s.dispatcher,
		Settings:   NewConfigSettings(s.cfgStore),
		Scopes:     s.cfgStore,
		Sink:       MultiSink{s.hub, NewLogSink(s.log)},
		Pipeline:   cfg.Pipeline,
		Log:        s.log,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = s.dispatcher.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.mcpServer = newMCPServer(s, "http://"+listener.Addr().String())
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.controller.Run(gctx)
	})
	g.Go(func() error {
		if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	s.controller.WaitTillStarted()

	if s.flags.Enable {
		if err := s.controller.Enable(ctx); err != nil {
			s.log.Warnw("failed to enable pipeline on startup", "error", err)
		}
	}

	markStarted()
	s.log.Infow("control server listening", "url", "http://"+s.Addr()+"/mcp", "source", s.source.Name())
	s.printMCPConfig()

	select {
	case <-gctx.Done():
		s.log.Infow("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		s.log.Infow("received signal, initiating shutdown", "signal", sig.String())
	case <-s.shutdownCh:
		s.log.Infow("shutdown requested")
	}

	return s.shutdown(cancel, g)
}

// shutdown stops the control server, then the controller, then closes the backends.
func (s *Server) shutdown(cancel context.CancelFunc, g *errgroup.Group) error {
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	// Streaming connections (SSE, websocket) never become idle, so Shutdown blocks.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	err := s.httpServer.Shutdown(shortCtx)
	shortCancel()
	if errors.Is(err, context.DeadlineExceeded) {
		_ = s.httpServer.Close()
	} else if err != nil {
		s.log.Warnw("control server shutdown error", "error", err)
	}
	if err := s.mcpServer.Close(ctx); err != nil {
		s.log.Warnw("MCP server shutdown error", "error", err)
	}
	s.hub.Close()

	cancel()
	runErr := g.Wait()

	if err := s.dispatcher.Close(); err != nil {
		s.log.Warnw("failed to close dispatcher", "error", err)
	}

	s.log.Infow("authdiff service stopped")
	return runErr
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// loadOrCreateConfig loads config and applies CLI flag overrides.
// Precedence: CLI flags > config file > defaults
func (s *Server) loadOrCreateConfig() error {
	s.configPath = s.flags.ConfigPath
	if s.configPath == "" {
		s.configPath = config.DefaultPath()
	}

	cfg, err := config.LoadOrCreatePath(s.configPath)
	if err != nil {
		return err
	}

	switch {
	case s.flags.MCPPort < 0:
		s.port = 0 // ephemeral
	case s.flags.MCPPort > 0:
		s.port = s.flags.MCPPort
	default:
		s.port = cfg.MCPPort
	}
	if s.flags.BurpMCPURL != "" {
		cfg.BurpMCPURL = s.flags.BurpMCPURL
	}
	if s.flags.Backend != "" {
		cfg.Backend = s.flags.Backend
	}

	s.cfgStore = config.NewStore(s.configPath, cfg)
	return nil
}

// setupBackend selects the traffic source and dispatcher.
// burp requires Burp MCP, native never uses it, auto tries Burp and falls back to native.
func (s *Server) setupBackend(ctx context.Context, cfg *config.Config) error {
	switch cfg.Backend {
	case config.BackendNative:
		return s.setupNative(cfg)
	case config.BackendBurp:
		if err := s.connectBurp(ctx, cfg.BurpMCPURL); err != nil {
			return fmt.Errorf("backend burp requires Burp MCP: %w", err)
		}
		return nil
	default:
		if err := s.connectBurp(ctx, cfg.BurpMCPURL); err != nil {
			s.log.Warnw("Burp MCP not available, falling back to native backend",
				"url", cfg.BurpMCPURL, "error", err)
			return s.setupNative(cfg)
		}
		return nil
	}
}

func (s *Server) connectBurp(ctx context.Context, url string) error {
	backend, client := NewBurpBackend(url, s.log, burp.WithStateFunc(func(connected bool, err error) {
		if !connected {
			s.log.Warnw("Burp MCP connection lost, redialing", "error", err)
		}
	}))

	connectCtx, cancel := context.WithTimeout(ctx, burpConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = client.Close()
		return err
	}

	s.source = backend
	s.dispatcher = backend
	s.log.Infow("connected to Burp MCP", "url", url)
	return nil
}

func (s *Server) setupNative(cfg *config.Config) error {
	dispatcher, err := NewNativeDispatcher(s.log)
	if err != nil {
		return err
	}
	s.memory = NewMemorySource(cfg.Pipeline.LedgerCapacity * 2)
	s.native = dispatcher
	s.source = s.memory
	s.dispatcher = dispatcher
	return nil
}

// routes mounts the MCP transports, the event stream and the read-only REST API.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/mcp", s.mcpServer.streamableServer)
	r.Handle("/sse", s.mcpServer.sseServer)
	r.Handle("/message", s.mcpServer.sseServer)
	r.Get("/events", s.hub.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleAPIStatus)
		r.Get("/ledger", s.handleAPILedger)
		r.Get("/ledger/{id}", s.handleAPIRecord)
	})
	return r
}

// printMCPConfig outputs MCP configuration instructions to stderr.
func (s *Server) printMCPConfig() {
	addr := s.Addr()
	mcpURL := fmt.Sprintf("http://%s/mcp", addr)
	sseURL := fmt.Sprintf("http://%s/sse", addr)

	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintf(os.Stderr, "Traffic source: %s\n", s.source.Name())
	if s.memory != nil {
		_, _ = fmt.Fprintln(os.Stderr, "  Burp MCP not in use, submit traffic with the traffic_submit tool")
	}
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintf(os.Stderr, "MCP Endpoint: %s\n", mcpURL)
	_, _ = fmt.Fprintf(os.Stderr, "SSE Endpoint: %s (legacy)\n", sseURL)
	_, _ = fmt.Fprintf(os.Stderr, "Ledger Events: ws://%s/events\n", addr)
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Claude Code:")
	_, _ = fmt.Fprintf(os.Stderr, "  claude mcp add --transport http authdiff %s\n", mcpURL)
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Codex (~/.codex/config.toml):")
	_, _ = fmt.Fprintln(os.Stderr, "  [mcp_servers.authdiff]")
	_, _ = fmt.Fprintf(os.Stderr, "  url = \"%s\"\n", mcpURL)
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintln(os.Stderr, "")
}
