// Package chatsync keeps a client's chat state synchronized with the
// TrailTalk realtime bus: one shared connection, topic subscriptions,
// presence, typing indicators and a local conversation cache with a REST
// fallback for the offline path.
package chatsync

import (
	"context"
	"sync"
)

// Credential identifies the authenticated user to the bus and the REST
// collaborator. The token travels only in connection and request headers.
type Credential struct {
	Token    string
	UserID   int64
	Username string
}

// Service wires the synchronization core together around one shared
// connection. Construct it once per authenticated session and inject it into
// whatever consumes it; every collaborator is swappable through Config for
// tests.
type Service struct {
	conn       *ConnManager
	registry   *SubscriptionRegistry
	dispatcher *MessageDispatcher
	rest       *restClient
	sender     *OutboundSender
	presence   *PresenceTracker
	typing     *TypingCoordinator
	store      *ConversationStore
}

// New builds a Service from the config. No I/O happens until Connect.
func New(cfg Config) *Service {
	cfg = cfg.withDefaults()

	transport := cfg.Transport
	if transport == nil {
		transport = newWSTransport(cfg)
	}

	conn := newConnManager(cfg, transport)
	registry := newSubscriptionRegistry(conn, cfg.Logger)
	dispatcher := newMessageDispatcher(registry, cfg.Logger)
	dispatcher.bind(conn)

	rest := newRestClient(cfg)
	sender := newOutboundSender(conn, rest, cfg.Logger)
	presence := newPresenceTracker(conn, registry, cfg.Logger)
	typing := newTypingCoordinator(conn, registry, cfg)
	store := newConversationStore(rest, registry, cfg.Logger)

	sender.onSent = typing.StopTyping
	sender.refresh = store.LoadMessages
	conn.onTeardown(typing.stopAll)
	conn.onTeardown(presence.stop)

	return &Service{
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		rest:       rest,
		sender:     sender,
		presence:   presence,
		typing:     typing,
		store:      store,
	}
}

// Connect authenticates against the bus, starts presence tracking and
// announces the user online. Auth rejection is returned as ErrAuthFailed and
// is not retried.
func (s *Service) Connect(ctx context.Context, cred Credential) error {
	s.rest.setToken(cred.Token)
	s.typing.setIdentity(cred.UserID, cred.Username)
	s.presence.setIdentity(cred.UserID, cred.Username)

	if err := s.conn.Connect(ctx, cred.Token); err != nil {
		return err
	}

	s.presence.start()
	if err := s.presence.UpdateStatus(StatusOnline); err != nil {
		s.conn.logger.Debug("online announcement deferred", "error", err)
	}
	return nil
}

// Close announces the user offline, deactivates the store and drops the
// connection. Safe to call more than once.
func (s *Service) Close() {
	if s.conn.Connected() {
		if err := s.presence.UpdateStatus(StatusOffline); err != nil {
			s.conn.logger.Debug("offline announcement lost", "error", err)
		}
	}
	s.store.Deactivate()
	s.conn.Disconnect()
}

// Connected reports whether the live channel is up.
func (s *Service) Connected() bool { return s.conn.Connected() }

// Connection exposes the connection manager for state observation.
func (s *Service) Connection() *ConnManager { return s.conn }

// Subscriptions exposes the topic registry.
func (s *Service) Subscriptions() *SubscriptionRegistry { return s.registry }

// Send delivers a message, live when possible, REST otherwise. See
// OutboundSender.Send.
func (s *Service) Send(ctx context.Context, conversationID int64, content string) (bool, error) {
	return s.sender.Send(ctx, conversationID, content)
}

// Presence exposes the online-user tracker.
func (s *Service) Presence() *PresenceTracker { return s.presence }

// Typing exposes the typing coordinator.
func (s *Service) Typing() *TypingCoordinator { return s.typing }

// Store exposes the conversation cache.
func (s *Service) Store() *ConversationStore { return s.store }

var (
	defaultMu  sync.Mutex
	defaultSvc *Service
)

// Init creates the process-wide default Service bound to the config. The
// first call wins; later calls return the existing instance.
func Init(cfg Config) *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSvc == nil {
		defaultSvc = New(cfg)
	}
	return defaultSvc
}

// Default returns the process-wide Service, nil before Init.
func Default() *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSvc
}

// Teardown closes and forgets the default Service so a new session can Init
// a fresh one.
func Teardown() {
	defaultMu.Lock()
	svc := defaultSvc
	defaultSvc = nil
	defaultMu.Unlock()
	if svc != nil {
		svc.Close()
	}
}
