package ticketd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/broker"
	"pkt.systems/ticketd/internal/cache"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/consumer"
	"pkt.systems/ticketd/internal/httpapi"
	"pkt.systems/ticketd/internal/keyval"
	"pkt.systems/ticketd/internal/lock"
	"pkt.systems/ticketd/internal/message"
	"pkt.systems/ticketd/internal/producer"
	"pkt.systems/ticketd/internal/ratelimit"
	"pkt.systems/ticketd/internal/ticket"
)

// Option customizes server construction.
type Option func(*serverOptions)

type serverOptions struct {
	logger        pslog.Logger
	clock         clock.Clock
	kv            keyval.Store
	store         ticket.Store
	queries       httpapi.QueryRunner
	dialer        broker.Dialer
	notifications consumer.NotificationStore
	directory     consumer.UserDirectory
}

// WithLogger sets the server's logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithClock injects a clock, typically a manual one in tests.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) { o.clock = c }
}

// WithKeyValue injects a key-value store instead of dialing Redis.
func WithKeyValue(kv keyval.Store) Option {
	return func(o *serverOptions) { o.kv = kv }
}

// WithTicketStore injects the source-of-truth ticket store.
func WithTicketStore(s ticket.Store) Option {
	return func(o *serverOptions) { o.store = s }
}

// WithQueryRunner injects the query evaluation seam for list requests.
func WithQueryRunner(q httpapi.QueryRunner) Option {
	return func(o *serverOptions) { o.queries = q }
}

// WithBrokerDialer injects a broker dialer instead of dialing AMQP.
func WithBrokerDialer(d broker.Dialer) Option {
	return func(o *serverOptions) { o.dialer = d }
}

// WithNotificationStore enables the notification consumer, persisting
// envelopes through store.
func WithNotificationStore(s consumer.NotificationStore) Option {
	return func(o *serverOptions) { o.notifications = s }
}

// WithUserDirectory enables the user-lookup consumer, answering lookup
// requests from directory.
func WithUserDirectory(d consumer.UserDirectory) Option {
	return func(o *serverOptions) { o.directory = d }
}

// Server assembles the coordination core: key-value store, broker connection,
// lock manager, cache, producers, consumers, and the HTTP surface.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	kv      keyval.Store
	conn    *broker.Conn
	locks   *lock.Manager
	cache   *cache.Cache
	logs    *producer.Log
	notify  *producer.Notification
	version *producer.Version
	lookup  *producer.UserLookup
	handler http.Handler

	notifications consumer.NotificationStore
	directory     consumer.UserDirectory

	telemetry  *telemetryBundle
	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	cancel    context.CancelFunc
	consumers sync.WaitGroup
	started   bool
}

// NewServer wires a Server from cfg. Collaborators not injected through
// options are dialed from the configured URLs on Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.store == nil {
		o.store = ticket.NewMemoryStore()
	}

	kv := o.kv
	if kv == nil {
		redisKV, err := keyval.NewRedis(cfg.RedisURL, o.logger)
		if err != nil {
			return nil, fmt.Errorf("key-value store: %w", err)
		}
		kv = redisKV
	}

	conn := broker.NewConn(cfg.AMQPURL, broker.Options{
		Dialer:        o.dialer,
		Clock:         o.clock,
		Logger:        o.logger,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	})
	pub := producer.New(conn, producer.Options{
		Clock:     o.clock,
		Logger:    o.logger,
		RetryBase: cfg.ReconnectBase,
		RetryMax:  cfg.ReconnectMax,
	})

	s := &Server{
		cfg:    cfg,
		logger: o.logger,
		clock:  o.clock,
		kv:     kv,
		conn:   conn,
		locks: lock.NewManager(kv, lock.Options{
			Clock:  o.clock,
			Logger: o.logger,
			TTL:    cfg.LockTTL,
		}),
		cache: cache.New(kv, o.store, cache.Options{
			Logger: o.logger,
			TTL:    cfg.CacheTTL,
		}),
		logs:    producer.NewLog(pub, cfg.LogExchange, cfg.Service),
		notify:  producer.NewNotification(pub, cfg.NotifyExchange),
		version: producer.NewVersion(pub, cfg.VersionQueue),
		lookup: producer.NewUserLookup(conn, cfg.UserQueue, producer.UserLookupOptions{
			Clock:   o.clock,
			Logger:  o.logger,
			Timeout: cfg.UserLookupTimeout,
		}),
		notifications: o.notifications,
		directory:     o.directory,
	}

	api := httpapi.New(httpapi.Options{
		Locks:   s.locks,
		Cache:   s.cache,
		Store:   o.store,
		Queries: o.queries,
		Audit:   s.logs,
		Limiter: ratelimit.New(ratelimit.Options{
			Clock:  o.clock,
			Logger: o.logger,
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitMax,
		}),
		Logger: o.logger,
	})
	s.handler = api.Routes()
	return s, nil
}

// Handler exposes the HTTP surface for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Locks exposes the lock manager for embedding callers.
func (s *Server) Locks() *lock.Manager {
	return s.locks
}

// Cache exposes the ticket cache for embedding callers.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Logs exposes the log producer for embedding callers.
func (s *Server) Logs() *producer.Log {
	return s.logs
}

// Notify exposes the notification fanout producer.
func (s *Server) Notify() *producer.Notification {
	return s.notify
}

// LookupUsers resolves user IDs over the request/reply queue.
func (s *Server) LookupUsers(ctx context.Context, ids []string) ([]message.User, error) {
	return s.lookup.GetUsers(ctx, ids)
}

// Start binds the HTTP listener, brings up telemetry, announces the service
// version, and launches any configured consumers. It returns once the server
// is accepting requests.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	telemetry, err := setupTelemetry(s.cfg.MetricsListen, s.logger)
	if err != nil {
		return err
	}
	s.telemetry = telemetry

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		_ = s.telemetry.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	httpServer := s.httpServer
	go func() {
		if serr := httpServer.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.logger.Error("ticketd.server.serve_failed", "error", serr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.Version != "" {
		// Best effort; the producer retries in the background on failure.
		if aerr := s.version.Announce(ctx, s.cfg.Service, s.cfg.Version); aerr != nil {
			s.logger.Warn("ticketd.server.version_announce_failed", "error", aerr)
		}
	}

	if s.notifications != nil {
		c := consumer.New(s.conn, consumer.Options{
			Clock:         s.clock,
			Logger:        s.logger,
			ReconnectBase: s.cfg.ReconnectBase,
			ReconnectMax:  s.cfg.ReconnectMax,
		})
		nc := consumer.NewNotification(c, s.notifications)
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			if lerr := nc.Listen(ctx, s.cfg.NotificationQueue); lerr != nil && !errors.Is(lerr, context.Canceled) {
				s.logger.Warn("ticketd.server.consumer_stopped", "queue", s.cfg.NotificationQueue, "error", lerr)
			}
		}()
	}
	if s.directory != nil {
		c := consumer.New(s.conn, consumer.Options{
			Clock:         s.clock,
			Logger:        s.logger,
			ReconnectBase: s.cfg.ReconnectBase,
			ReconnectMax:  s.cfg.ReconnectMax,
		})
		uc := consumer.NewUserLookup(c, s.conn, s.directory)
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			if lerr := uc.Listen(ctx, s.cfg.UserQueue); lerr != nil && !errors.Is(lerr, context.Canceled) {
				s.logger.Warn("ticketd.server.consumer_stopped", "queue", s.cfg.UserQueue, "error", lerr)
			}
		}()
	}

	s.started = true
	s.logger.Info("ticketd.server.started", "listen", ln.Addr().String(), "service", s.cfg.Service)
	return nil
}

// ListenerAddr returns the bound address, nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the HTTP server, consumers, broker connection and key-value
// client, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var errs []error
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.httpServer = nil
		s.listener = nil
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("consumer drain: %w", ctx.Err()))
	}

	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("key-value close: %w", err))
	}
	s.logger.Info("ticketd.server.stopped")
	return errors.Join(errs...)
}
