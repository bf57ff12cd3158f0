package rpc

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loanescrow/core/events"
	"loanescrow/core/state"
	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/observability/logging"
	"loanescrow/storage"
	"loanescrow/storage/eventlog"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var errNilEngine = errors.New("rpc: engine required")

type loanEngine interface {
	DeployChecked(init loan.InitConfig, msg loan.Message, check loan.Check) (*loan.Receipt, error)
	DeliverChecked(addr crypto.Address, msg loan.Message, check loan.Check) (*loan.Receipt, error)
	Get(addr crypto.Address) (loan.Escrow, error)
	Obligation(addr crypto.Address) (*big.Int, error)
	Addresses() ([]crypto.Address, error)
}

type eventIndex interface {
	List(escrow string, limit int) ([]eventlog.Entry, error)
}

// submissionLog remembers consumed signed submissions across restarts.
type submissionLog interface {
	MarkSubmitted(digest [32]byte) (bool, error)
}

type eventStream interface {
	Subscribe(ctx context.Context, cursor string) (<-chan events.Envelope, func(), []events.Envelope)
}

// Config wires the server to its collaborators. Events and Stream are
// optional; the methods backed by them report the service unavailable when
// unset. Submissions should share the engine's durable store; without it
// consumed submissions are only remembered in memory. AllowedOrigins lists
// the cross-origin hosts permitted on the event stream; empty means
// same-origin only.
type Config struct {
	Engine         loanEngine
	Events         eventIndex
	Stream         eventStream
	Submissions    submissionLog
	Auth           AuthConfig
	RateLimit      RateLimit
	AllowedOrigins []string
	Logger         *slog.Logger
	Gatherer       prometheus.Gatherer
}

// Server exposes escrow operations over JSON-RPC.
type Server struct {
	engine      loanEngine
	events      eventIndex
	stream      eventStream
	auth        *Authenticator
	limiter     *RateLimiter
	submissions submissionLog
	origins     []string
	logger      *slog.Logger
	metrics     http.Handler
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errNilEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	submissions := cfg.Submissions
	if submissions == nil {
		submissions = state.NewStore(storage.NewMemDB())
	}
	return &Server{
		engine:      cfg.Engine,
		events:      cfg.Events,
		stream:      cfg.Stream,
		auth:        NewAuthenticator(cfg.Auth, logger),
		limiter:     NewRateLimiter(cfg.RateLimit),
		submissions: submissions,
		origins:     append([]string(nil), cfg.AllowedOrigins...),
		logger:      logger,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics)
	r.Get("/ws/events", s.handleEventsWS)
	r.With(s.limiter.Middleware, s.auth.Middleware).Post("/", s.handle)

	return otelhttp.NewHandler(r, "loand.rpc")
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug("rpc request",
			slog.String("requestId", requestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.status),
			slog.Duration("elapsed", time.Since(start)),
			logging.MaskField("authorization", r.Header.Get("Authorization")),
		)
	})
}
