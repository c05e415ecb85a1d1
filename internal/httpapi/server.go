// Package httpapi exposes the engine over HTTP: JSON endpoints for every
// inbound operation and a server-sent event stream of notifications.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/storyguild/internal/archive"
	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/engine"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/pushnotification"
	"github.com/kazz187/storyguild/internal/pushsubscription"
	"github.com/kazz187/storyguild/internal/queue"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/clog"
)

// HealthService is the name reported by the gRPC health checker.
const HealthService = "storyguild.v1.EngineService"

type Engine interface {
	StartExecution(ctx context.Context, clientID, commandID, projectPath string, p engine.Params) (string, error)
	StartStoryExecution(ctx context.Context, req engine.StoryRequest) (string, error)
	StartBacklogStoryExecution(ctx context.Context, clientID, projectPath, storyID, model string) (string, error)
	StartTerminalExecution(ctx context.Context, req engine.TerminalRequest) (string, error)
	WriteTerminalInput(ctx context.Context, id string, data []byte) error
	ResizeTerminal(ctx context.Context, id string, rows, cols uint16) error
	CancelExecution(ctx context.Context, id string) bool
	RetryExecution(ctx context.Context, id string) bool
	SubmitAnswer(ctx context.Context, id, questionID, answer string) bool
	SubmitAnswerBatch(ctx context.Context, id, batchID string, answers map[string]string) bool
	Execution(ctx context.Context, id string) (execution.Execution, error)
	Executions(ctx context.Context) ([]execution.Execution, error)
	StartQueue(ctx context.Context, clientID string) (string, error)
	StopQueue(ctx context.Context) error
}

type Queue interface {
	List(ctx context.Context) ([]*queue.Entry, error)
	State(ctx context.Context) (*queue.State, error)
	Enqueue(ctx context.Context, e queue.Entry) (*queue.Entry, error)
	Remove(ctx context.Context, id string) error
}

type Archive interface {
	Get(ctx context.Context, id string) (*archive.Record, error)
	List(ctx context.Context, opts archive.ListOptions) ([]*archive.Record, error)
}

type Subscriptions interface {
	Register(ctx context.Context, endpoint, p256dh, auth string) (*pushsubscription.Subscription, error)
	Unregister(ctx context.Context, endpoint string) error
}

// Events is the notification source of the event stream.
type Events interface {
	Subscribe(bufSize int) (string, <-chan *notify.Notification)
	Unsubscribe(id string)
}

// Deps are the collaborators behind the routes. Nil Queue, Archive,
// Subscriptions or Notifier disable their routes with FailedPrecondition.
type Deps struct {
	Engine        Engine
	Queue         Queue
	Archive       Archive
	Events        Events
	Subscriptions Subscriptions
	Notifier      pushnotification.Notifier
	VAPID         *config.VAPIDEnv
	// EventBuffer is the per-stream buffer; a slow stream misses
	// notifications beyond it.
	EventBuffer int
}

type Server struct {
	env    *config.BaseEnv
	deps   Deps
	health *grpchealth.StaticChecker
	server *http.Server
	ready  chan struct{}
	addr   net.Addr
	sseBuf int
}

func NewServer(env *config.BaseEnv, deps Deps) *Server {
	buf := deps.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Server{
		env:    env,
		deps:   deps,
		health: grpchealth.NewStaticChecker(HealthService),
		ready:  make(chan struct{}),
		sseBuf: buf,
	}
}

// Handler returns the complete handler tree, middleware included.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(clog.WithChiFilter(func(r *http.Request) bool {
				return r.URL.Path != "/api/events"
			})),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		r.Get("/events", s.streamEvents)

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.listExecutions)
			r.Post("/", s.startExecution)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getExecution)
				r.Post("/cancel", s.cancelExecution)
				r.Post("/retry", s.retryExecution)
				r.Post("/answer", s.submitAnswer)
				r.Post("/answers", s.submitAnswerBatch)
				r.Post("/terminal/input", s.writeTerminalInput)
				r.Post("/terminal/resize", s.resizeTerminal)
			})
		})
		r.Post("/stories/start", s.startStory)
		r.Post("/backlog/start", s.startBacklogStory)
		r.Post("/terminals", s.startTerminal)

		r.Get("/archive", s.listArchive)
		r.Get("/archive/{id}", s.getArchive)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.listQueue)
			r.Post("/", s.enqueue)
			r.Post("/start", s.startQueue)
			r.Post("/stop", s.stopQueue)
			r.Delete("/{id}", s.removeQueueEntry)
		})

		r.Route("/push", func(r chi.Router) {
			r.Get("/vapid-public-key", s.vapidPublicKey)
			r.Post("/subscriptions", s.registerSubscription)
			r.Delete("/subscriptions", s.unregisterSubscription)
			r.Post("/test", s.sendTestNotification)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)
	mux.Handle(grpchealth.NewHandler(s.health, connect.WithInterceptors(s.interceptors()...)))

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe serves until Shutdown. ctx is the base context of every
// request, so cancelling it also ends open event streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "starting server", "addr", ln.Addr().String())

	s.server = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	s.addr = ln.Addr()
	close(s.ready)
	return s.server.Serve(ln)
}

// Addr waits until the server listens and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetStatus(HealthService, grpchealth.StatusNotServing)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) interceptors() []connect.Interceptor {
	return []connect.Interceptor{
		clog.NewSlogConnectUnaryInterceptor(clog.DefaultConnectHealthCheckUnaryFilter),
		cerr.NewConvertConnectErrorInterceptor(),
	}
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints and local setups without a key stay open.
		if s.env.APIKey == "" || r.URL.Path == "/health" || r.URL.Path == "/grpc.health.v1.Health/Check" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if apiKey == "" {
			// EventSource cannot set headers.
			apiKey = r.URL.Query().Get("api_key")
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
