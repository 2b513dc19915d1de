// Package server wires the store, the core services and the gateway into
// one process lifecycle.
package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/identity"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/rbac"
	"github.com/clawcrm/clawcrm/pkg/rpc"
	"github.com/clawcrm/clawcrm/pkg/session"
	"github.com/clawcrm/clawcrm/pkg/store"
)

// Server exposes the gateway process lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Gateway returns the running gateway, or nil before Start.
	Gateway() *gateway.Gateway
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// ModuleRegistrar registers module methods on the gateway before it starts
// serving.
type ModuleRegistrar func(g *gateway.Gateway) error

type server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	modules  []ModuleRegistrar
	store    store.Store
	sessions *session.Manager
	archiver *audit.Archiver
	gateway  *gateway.Gateway
}

// NewServer creates a new Server. modules run after the built-in methods are
// registered.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	modules ...ModuleRegistrar,
) Server {
	return &server{
		log:     log.WithField("component", "server"),
		cfg:     cfg,
		modules: modules,
	}
}

// Start opens the store, seeds bootstrap admins, starts the background
// services and finally the gateway listener.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if len(s.cfg.AdminUsers) > 0 {
		if err := s.store.SeedAdmins(ctx, s.cfg.AdminUsers); err != nil {
			return fmt.Errorf("seeding admin users: %w", err)
		}
	}

	s.sessions = session.NewManager(s.log, s.store, session.Options{
		TTL:             s.cfg.SessionTTL(),
		CleanupInterval: s.cfg.CleanupInterval(),
	})

	if a := s.cfg.Audit.Archive; a != nil && a.Enabled {
		archiver, err := audit.NewArchiver(s.log, a, s.store)
		if err != nil {
			return fmt.Errorf("initializing audit archiver: %w", err)
		}

		s.archiver = archiver
	}

	passkeys, err := passkey.NewService(s.log, &s.cfg.Passkey, s.store, passkey.Options{
		ChallengeTTL: s.cfg.ChallengeTTL(),
	})
	if err != nil {
		return fmt.Errorf("initializing passkeys: %w", err)
	}

	engine := rbac.NewEngine(s.log, s.store)
	if err := engine.SetDefaultPolicy(s.cfg.DefaultPolicy); err != nil {
		return fmt.Errorf("configuring permissions: %w", err)
	}

	instances := instance.NewService(s.log, s.store)
	auditLog := audit.NewLogger(s.log, s.store, s.cfg.Audit.Enabled)

	s.gateway, err = gateway.New(s.log, &s.cfg.Server, gateway.Deps{
		Pairer:        instances,
		Authenticator: passkeys,
		Sessions:      s.sessions,
		Access:        engine,
		Auditor:       auditLog,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	handlers := rpc.New(s.log, rpc.Deps{
		Store:       s.store,
		Identity:    identity.NewService(s.log, s.store),
		RBAC:        engine,
		Passkeys:    passkeys,
		Sessions:    s.sessions,
		Instances:   instances,
		Audit:       auditLog,
		Broadcaster: s.gateway,
	})

	if err := handlers.Register(s.gateway); err != nil {
		return err
	}

	for _, register := range s.modules {
		if err := register(s.gateway); err != nil {
			return fmt.Errorf("registering module methods: %w", err)
		}
	}

	var g errgroup.Group

	g.Go(func() error {
		if err := s.sessions.Start(ctx); err != nil {
			return fmt.Errorf("starting session manager: %w", err)
		}

		return nil
	})

	if s.archiver != nil {
		g.Go(func() error {
			if err := s.archiver.Start(ctx); err != nil {
				return fmt.Errorf("starting audit archiver: %w", err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// The gateway starts last.
	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"listen":  s.gateway.Addr(),
		"rp_id":   passkeys.RPID(),
		"methods": len(s.gateway.Methods()),
	}).Info("Server started")

	return nil
}

// Stop shuts everything down in reverse start order.
func (s *server) Stop() error {
	if s.gateway != nil {
		if err := s.gateway.Stop(); err != nil {
			s.log.WithError(err).Warn("Gateway shutdown error")
		}
	}

	var g errgroup.Group

	if s.archiver != nil {
		g.Go(func() error {
			s.archiver.Stop()

			return nil
		})
	}

	if s.sessions != nil {
		g.Go(func() error {
			s.sessions.Stop()

			return nil
		})
	}

	_ = g.Wait()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("Server stopped")

	return nil
}

func (s *server) Gateway() *gateway.Gateway {
	return s.gateway
}
