package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rmcemu/internal/config"
	"github.com/yuuki/rmcemu/internal/guest"
	"github.com/yuuki/rmcemu/internal/registry"
	"github.com/yuuki/rmcemu/internal/rmc"
	"github.com/yuuki/rmcemu/internal/telemetry"
	"github.com/yuuki/rmcemu/internal/transport"
	"go.uber.org/ratelimit"
)

// DefaultQueuePair is the queue pair configured from wq_addr and cq_addr
const DefaultQueuePair uint8 = 0

type queuePairLayout struct {
	id     uint8
	wqAddr uint64
	cqAddr uint64
}

// Option customises a Node
type Option func(*Node)

// WithLink makes the node use link instead of building a gRPC relay
func WithLink(link transport.Link) Option {
	return func(n *Node) { n.link = link }
}

// WithQueuePair registers an extra queue pair at the given guest virtual addresses
func WithQueuePair(id uint8, wqAddr, cqAddr uint64) Option {
	return func(n *Node) {
		n.extraQPs = append(n.extraQPs, queuePairLayout{id: id, wqAddr: wqAddr, cqAddr: cqAddr})
	}
}

// Node is one emulated machine: guest memory, its controller and a link to peers
type Node struct {
	ctx        context.Context
	cancel     context.CancelFunc
	config     *config.NodeConfig
	memory     *guest.PhysicalMemory
	pageTables *guest.PageTables
	controller *rmc.Controller
	link       transport.Link
	relay      *transport.Relay
	registry   *registry.NodeRegistry
	metrics    *telemetry.Metrics
	queuePairs map[uint8]*guest.QueuePair
	extraQPs   []queuePairLayout

	// mu serialises every entry into the controller
	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a node and activates its controller
func New(cfg *config.NodeConfig, opts ...Option) (*Node, error) {
	// Initialize logging
	initLogging(cfg.LogLevel)

	log.Debug().Uint16("nid", cfg.NodeID).Msg("Creating new node instance")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	mac, err := cfg.MAC()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
		memory:     guest.NewPhysicalMemory(cfg.MemorySize),
		pageTables: guest.NewPageTables(),
		queuePairs: make(map[uint8]*guest.QueuePair),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.pageTables.MapIdentity(cfg.PageTableRoot, cfg.MemorySize); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to map guest memory: %w", err)
	}

	if n.link == nil {
		if err := n.buildRelay(); err != nil {
			cancel()
			return nil, err
		}
	}

	n.controller = rmc.New(rmc.Config{
		NodeID:          cfg.NodeID,
		ContextID:       cfg.ContextID,
		MAC:             mac,
		StagingCapacity: cfg.StagingBufferSize,
	}, n.memory, n.pageTables, n.link)
	n.controller.SetTranslationContext(cfg.PageTableRoot)
	n.controller.SetContextBase(cfg.ContextAddr)

	layouts := append([]queuePairLayout{{id: DefaultQueuePair, wqAddr: cfg.WQAddr, cqAddr: cfg.CQAddr}}, n.extraQPs...)
	for _, layout := range layouts {
		if err := n.setupQueuePair(layout); err != nil {
			n.closeResources()
			cancel()
			return nil, err
		}
	}

	if err := n.controller.Activate(); err != nil {
		n.closeResources()
		cancel()
		return nil, fmt.Errorf("failed to activate controller: %w", err)
	}

	log.Debug().
		Uint16("nid", cfg.NodeID).
		Uint8("cid", cfg.ContextID).
		Str("mac", cfg.MACAddr).
		Int("queue_pairs", len(n.queuePairs)).
		Msg("Node instance created")
	return n, nil
}

func (n *Node) buildRelay() error {
	resolvers := transport.Resolvers{transport.StaticPeers(n.config.Peers)}
	if n.config.RegistryURI != "" {
		reg, err := registry.NewNodeRegistry(n.config.RegistryURI)
		if err != nil {
			return fmt.Errorf("failed to create node registry: %w", err)
		}
		n.registry = reg
		resolvers = append(resolvers, reg)
	}
	n.relay = transport.NewRelay(resolvers, n.config.StagingBufferSize)
	n.link = n.relay
	return nil
}

// setupQueuePair registers both rings with the controller and prepares the guest side
func (n *Node) setupQueuePair(layout queuePairLayout) error {
	wqPA, err := n.pageTables.Translate(n.config.PageTableRoot, layout.wqAddr)
	if err != nil {
		return fmt.Errorf("queue pair %d: %w", layout.id, err)
	}
	cqPA, err := n.pageTables.Translate(n.config.PageTableRoot, layout.cqAddr)
	if err != nil {
		return fmt.Errorf("queue pair %d: %w", layout.id, err)
	}
	qp := guest.NewQueuePair(n.memory, wqPA, cqPA)
	if err := qp.Init(); err != nil {
		return fmt.Errorf("queue pair %d: %w", layout.id, err)
	}
	n.controller.RegisterWorkQueue(layout.id, layout.wqAddr)
	n.controller.RegisterCompletionQueue(layout.id, layout.cqAddr)
	n.queuePairs[layout.id] = qp
	return nil
}

// Start starts the frame relay, metrics and the pipeline loops
func (n *Node) Start() error {
	log.Debug().Msg("Starting node")

	if n.relay != nil {
		if err := n.relay.Listen(n.config.ListenAddr); err != nil {
			n.closeResources()
			n.cancel()
			return fmt.Errorf("failed to start frame relay: %w", err)
		}
	}

	if n.registry != nil {
		if err := n.registry.RegisterNode(n.ctx, registry.NodeInfo{
			NID:       n.config.NodeID,
			RelayAddr: n.config.ListenAddr,
			MACAddr:   n.config.MACAddr,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to register node, peers must use static addresses")
		}
	}

	// Initialize metrics if enabled
	if n.config.MetricsEnabled {
		metricsInstance, err := telemetry.NewMetrics(n.ctx, fmt.Sprintf("node-%d", n.config.NodeID), n.config.OtelCollectorAddr, n.controller)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			n.metrics = metricsInstance
			log.Info().
				Uint16("nid", n.config.NodeID).
				Str("collector_addr", n.config.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	n.wg.Add(2)
	go n.receiveLoop()
	go n.tickLoop()

	log.Info().
		Uint16("nid", n.config.NodeID).
		Int("tick_rate", n.config.TickRate).
		Msg("Node started")
	return nil
}

// receiveLoop hands inbound frames to the controller until the link closes
func (n *Node) receiveLoop() {
	defer n.wg.Done()
	for frame := range n.link.Frames() {
		n.mu.Lock()
		n.controller.OnFrameReceived(frame)
		n.advance()
		n.mu.Unlock()
	}
}

// tickLoop runs one pipeline pass per tick so newly posted work is picked up
func (n *Node) tickLoop() {
	defer n.wg.Done()
	limiter := ratelimit.New(n.config.TickRate)
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
			limiter.Take()
			n.Tick()
		}
	}
}

// Tick runs the pipelines to quiescence once
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advance()
}

// advance must be called with mu held
func (n *Node) advance() {
	start := time.Now()
	if err := n.controller.AdvancePipelines(); err != nil {
		log.Debug().Err(err).Msg("Pipeline pass reported faults")
	}
	if n.metrics != nil {
		n.metrics.RecordDriverPass(n.ctx, time.Since(start))
	}
}

// QueuePair returns the guest side of queue pair id
func (n *Node) QueuePair(id uint8) (*guest.QueuePair, error) {
	qp, ok := n.queuePairs[id]
	if !ok {
		return nil, fmt.Errorf("queue pair %d: %w", id, rmc.ErrQueuePairNotRegistered)
	}
	return qp, nil
}

// Memory returns guest physical memory
func (n *Node) Memory() *guest.PhysicalMemory { return n.memory }

// Stats returns controller counters
func (n *Node) Stats() rmc.Stats { return n.controller.Stats() }

// ID returns the node id
func (n *Node) ID() uint16 { return n.config.NodeID }

// Stop stops the node and releases its resources
func (n *Node) Stop() {
	log.Debug().Msg("Stopping node")

	// Cancel context to signal the tick loop to stop
	n.cancel()

	if n.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := n.registry.DeregisterNode(ctx, n.config.NodeID); err != nil {
			log.Error().Err(err).Msg("Failed to deregister node")
		}
		cancel()
	}

	// Closing the link ends the receive loop
	if err := n.link.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close link")
	}

	log.Debug().Msg("Waiting for background goroutines to complete")
	n.wg.Wait()

	// Shutdown metrics if enabled
	if n.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := n.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	if n.registry != nil {
		if err := n.registry.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close registry")
		}
	}

	log.Info().Uint16("nid", n.config.NodeID).Msg("Node stopped")
}

// closeResources releases what New acquired when construction or Start fails
func (n *Node) closeResources() {
	if n.link != nil {
		_ = n.link.Close()
	}
	if n.registry != nil {
		_ = n.registry.Close()
	}
}

// Run runs the node with signal handling for graceful shutdown
func (n *Node) Run() error {
	log.Debug().Msg("Running node")

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Wait for the first signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

	// A second signal forces exit
	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	n.Stop()

	log.Info().Msg("Node shut down gracefully")
	return nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
