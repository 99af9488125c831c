package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/actor"
	"proof-orchestrator/internal/aggregation"
	"proof-orchestrator/internal/autoscale"
	"proof-orchestrator/internal/backends"
	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/events"
	"proof-orchestrator/internal/handlers"
	"proof-orchestrator/internal/reqpool"
	"proof-orchestrator/internal/router"
	"proof-orchestrator/internal/services"
	"proof-orchestrator/internal/store"
)

// ServiceContainer every long-lived component, wired from one config
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger

	// Persistence & events
	Store      store.Store
	Hub        *events.Hub
	NATSClient *clients.NATSClient
	Pool       *reqpool.Pool

	// Orchestration
	Ballot      *backends.Ballot
	Registry    *backends.Registry
	Scheduler   *actor.Scheduler
	Coordinator *aggregation.Coordinator
	Scaler      *autoscale.Scaler

	// Services
	ProofService      *services.ProofService
	RetentionService  *services.RetentionService
	MonitoringService *services.MonitoringService
}

// NewServiceContainer build every component. Nothing is started yet.
func NewServiceContainer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	log.Println("🚀 Initializing Service Container...")

	c := &ServiceContainer{Config: cfg, Logger: logger}

	// 1. Store & events
	if err := c.initPersistence(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	// 2. Backends, actors, aggregation
	if err := c.initOrchestration(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize orchestration: %w", err)
	}

	// 3. Services
	c.initServices()

	log.Println("✅ Service Container initialized successfully")
	return c, nil
}

// initPersistence store, pool and event publishers
func (c *ServiceContainer) initPersistence(ctx context.Context) error {
	log.Println("📦 Initializing store...")

	s, err := store.Open(ctx, c.Config.Store)
	if err != nil {
		return err
	}
	c.Store = s
	log.Printf("✅ Store initialized (driver=%s)", c.Config.Store.Driver)

	c.Hub = events.NewHub(c.Logger)
	publishers := events.Multi{c.Hub}

	// NATS is optional; a connection failure leaves in-process events only
	if c.Config.NATS.Enabled {
		nc, err := clients.NewNATSClient(c.Config.NATS)
		if err != nil {
			log.Printf("⚠️ NATS connection failed, status events stay in-process: %v", err)
		} else {
			c.NATSClient = nc
			publishers = append(publishers, events.NewNATSPublisher(nc, c.Config.NATS.SubjectPrefix, c.Logger))
			log.Printf("✅ NATS status publisher enabled (prefix=%s)", c.Config.NATS.SubjectPrefix)
		}
	}

	c.Pool = reqpool.New(c.Store, publishers, c.Logger)
	return nil
}

// initOrchestration ballot, backend registry, scheduler, coordinator, autoscaler
func (c *ServiceContainer) initOrchestration() error {
	log.Println("🔧 Initializing orchestration...")

	var selector backends.Selector
	if len(c.Config.Ballot.Entries) > 0 {
		ballot, err := backends.NewBallotFromConfig(c.Config.Ballot)
		if err != nil {
			return fmt.Errorf("invalid ballot: %w", err)
		}
		c.Ballot = ballot
		selector = ballot
	}

	registry, err := backends.NewRegistryFromConfig(c.Config.Backends, selector)
	if err != nil {
		return err
	}
	c.Registry = registry

	c.Scheduler = actor.NewScheduler(c.Pool, c.Registry, actor.OptionsFromConfig(c.Config.Actor), c.Logger)
	c.Coordinator = aggregation.NewCoordinator(c.Pool, c.Hub, c.Scheduler, c.Config.Actor.PollIntervalDuration(), c.Logger)

	if c.Config.Autoscale.Enabled {
		api := clients.NewScalerClient(c.Config.Autoscale.URL, c.Config.Autoscale.APIKey)
		c.Scaler = autoscale.NewScaler(c.Config.Autoscale, c.Scheduler, api)
		c.Scheduler.SetObserver(c.Scaler)
	}

	log.Printf("✅ Orchestration initialized (backends=%v, ballot=%t, autoscale=%t)",
		c.Registry.Kinds(), c.Ballot != nil, c.Scaler != nil)
	return nil
}

// initServices API and background services
func (c *ServiceContainer) initServices() {
	c.ProofService = services.NewProofService(c.Pool, c.Scheduler, c.Coordinator, c.Ballot, c.Logger)
	if c.Config.Retention.Enabled {
		c.RetentionService = services.NewRetentionService(c.Pool, c.Config.Retention)
	}
	c.MonitoringService = services.NewMonitoringService(c.Store, c.Config.Store.Driver, 10*time.Second)
}

// Start resume unfinished work and start background loops
func (c *ServiceContainer) Start(ctx context.Context) error {
	resumed, err := c.Scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover actors: %w", err)
	}
	gated, err := c.Coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover aggregates: %w", err)
	}
	log.Printf("🔄 [ServiceContainer] Recovered %d actor(s), %d aggregate(s)", resumed, gated)

	c.MonitoringService.Start()
	if c.RetentionService != nil {
		c.RetentionService.Start()
	}
	if c.Scaler != nil {
		c.Scaler.Start()
	}
	return nil
}

// Router gin engine over the proof service
func (c *ServiceContainer) Router() *gin.Engine {
	return router.SetupRouter(c.Config, router.Handlers{
		Proofs:    handlers.NewProofHandler(c.ProofService, c.Logger),
		Admin:     handlers.NewAdminHandler(c.ProofService, c.Logger),
		AdminAuth: handlers.NewAdminAuthHandler(c.Config.Admin, c.Logger),
		WebSocket: handlers.NewWebSocketHandler(c.Hub),
		Health:    handlers.NewHealthHandler(c.Store, c.Scheduler),
	}, c.Logger)
}

// Shutdown stop background loops and actors, then release connections.
// In-flight tasks stay work_in_progress and are resumed by the next Start.
func (c *ServiceContainer) Shutdown() {
	log.Println("🛑 Shutting down Service Container...")
	if c.Scaler != nil {
		c.Scaler.Stop()
	}
	if c.RetentionService != nil {
		c.RetentionService.Stop()
	}
	c.MonitoringService.Stop()
	c.Coordinator.Stop()
	c.Scheduler.Stop()
	c.Close()
	log.Println("✅ Service Container stopped")
}

// Close release the store and NATS connection
func (c *ServiceContainer) Close() {
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			log.Printf("⚠️ Failed to close store: %v", err)
		}
	}
}
