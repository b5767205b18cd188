// contentrepod runs the content repository: the command handler, the subscription engine with its projections,
// the pruner and whichever adapters the config enables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"contentrepo/internal/admin/socket"
	"contentrepo/internal/command"
	"contentrepo/internal/config"
	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	eventsqlite "contentrepo/internal/eventstore/sqlite"
	forwardkafka "contentrepo/internal/forward/kafka"
	ingestkafka "contentrepo/internal/ingest/kafka"
	"contentrepo/internal/nodetype"
	"contentrepo/internal/projection"
	"contentrepo/internal/projection/sqlgraph"
	"contentrepo/internal/pruner"
	"contentrepo/internal/raftlog"
	"contentrepo/internal/storage"
	"contentrepo/internal/subscription"
	"contentrepo/internal/subscription/sqlstore"
	"contentrepo/internal/trigger/rabbitmq"
	"contentrepo/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath, logLevel string
	var checkOnly bool

	flagSet := pflag.NewFlagSet("contentrepod", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "contentrepo.yaml", "path to config file (yaml or toml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")
	flagSet.BoolVar(&checkOnly, "check", false, "validate the config and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if checkOnly {
		fmt.Printf("config %s ok (node=%s)\n", cfgPath, cfg.Server.NodeID)
		return nil
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("node", cfg.NodeID)
}

type daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	engine  *subscription.Engine
	pruner  *pruner.Pruner
	ingest  *ingestkafka.Adapter
	trigger *rabbitmq.Adapter
	admin   *socket.Server
	closers []func() error
	dbs     map[string]*storage.DB
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, dbs: map[string]*storage.DB{}}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	events, err := d.openEvents(cfg)
	if err != nil {
		return nil, err
	}
	streams, workspaces, err := d.openReadModels(cfg.Store.ReadModels)
	if err != nil {
		return nil, err
	}
	subStore, err := d.openSubscriptions(cfg.Store.Subscriptions)
	if err != nil {
		return nil, err
	}

	var validator nodetype.PropertyValidator = nodetype.AllowAll{}
	if cfg.NodeTypes.SchemaDir != "" {
		v, err := nodetype.LoadDir(cfg.NodeTypes.SchemaDir, cfg.NodeTypes.Strict)
		if err != nil {
			return nil, fmt.Errorf("load node types: %w", err)
		}
		validator = v
	}
	handler := command.NewHandler(events, command.WithPropertyValidator(validator), command.WithLogger(logger))

	graph := projection.NewContentGraph(streams, workspaces)
	subscribers := []subscription.Subscriber{{ID: "contentGraph", Group: cfg.Subscription.ProjectionsGroup, Handler: graph}}
	if f := cfg.Forwarding.Kafka; f.Enabled {
		types := make([]domain.EventType, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = domain.EventType(t)
		}
		fwd, err := forwardkafka.New(forwardkafka.Config{
			Enabled:     true,
			Brokers:     f.Brokers,
			Topic:       f.Topic,
			ClientID:    f.ClientID,
			EventTypes:  types,
			ProduceWait: f.ProduceWait,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error { fwd.Close(); return nil })
		subscribers = append(subscribers, subscription.Subscriber{ID: "kafkaForwarder", Group: "forwarding", Handler: fwd})
	}

	d.engine, err = subscription.NewEngine(events, subStore, subscribers, subscription.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := d.engine.Setup(ctx, subscription.Criteria{}); err != nil {
		var setupErrs *subscription.SetupHadErrors
		if !errors.As(err, &setupErrs) {
			return nil, fmt.Errorf("setup subscriptions: %w", err)
		}
		logger.Warn("some subscribers failed to set up", "err", err)
	}
	if cfg.Subscription.BootOnStart {
		d.catchUp(ctx, d.engine.Boot)
	}
	d.pruner = pruner.New(events, pruner.WithLogger(logger))

	if k := cfg.Ingest.Kafka; k.Enabled {
		d.ingest, err = ingestkafka.NewAdapter(ingestkafka.Config{
			Enabled:         true,
			Brokers:         k.Brokers,
			Topics:          k.Topics,
			GroupID:         k.GroupID,
			ClientID:        k.ClientID,
			WorkerCount:     k.WorkerCount,
			MaxPollRecords:  k.MaxPollRecords,
			QueueCapacity:   k.QueueCapacity,
			CommitMode:      k.CommitMode,
			ParseMode:       ingestkafka.ParseModeJSON,
			ConflictRetries: k.ConflictRetries,
			Auth: ingestkafka.AuthConfig{
				SASL: ingestkafka.SASLConfig{Enabled: k.SASL.Enabled, Mechanism: k.SASL.Mechanism, Username: k.SASL.Username, Password: k.SASL.Password},
				TLS:  ingestkafka.TLSConfig{Enabled: k.TLS.Enabled, InsecureSkipVerify: k.TLS.InsecureSkipVerify},
			},
			Logger: logger,
		}, handler)
		if err != nil {
			return nil, err
		}
	}
	if r := cfg.Trigger.RabbitMQ; r.Enabled {
		d.trigger, err = rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Endpoints:     r.Endpoints,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			RoutingKeys:   r.RoutingKeys,
			ConsumerTag:   r.ConsumerTag,
			PrefetchCount: r.PrefetchCount,
			ManualAck:     true,
			TLS: rabbitmq.TLSConfig{
				Enabled:            r.TLS.Enabled,
				InsecureSkipVerify: r.TLS.InsecureSkipVerify,
				ServerName:         r.TLS.ServerName,
				CAFile:             r.TLS.CAFile,
				CertFile:           r.TLS.CertFile,
				KeyFile:            r.TLS.KeyFile,
			},
			Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
			Workers:       r.Workers,
			DeliveryQueue: r.DeliveryQueue,
			Logger:        logger,
		}, d.engine)
		if err != nil {
			return nil, err
		}
	}
	if a := cfg.Admin.Socket; a.Enabled {
		d.admin = socket.NewServer(socket.Config{
			Network:          a.Network,
			Address:          a.Address,
			UnixSocketPath:   a.UnixSocketPath,
			AuthToken:        a.AuthToken,
			MaxInflight:      a.MaxInflight,
			GlobalQueueLimit: a.GlobalQueueLimit,
			Logger:           logger,
		}, &socket.Backend{
			Events:         events,
			Engine:         d.engine,
			Graph:          graph,
			Pruner:         d.pruner,
			Commands:       handler,
			SyncReadModels: a.SyncReadModels,
		})
	}
	return d, nil
}

func (d *daemon) openEvents(cfg config.Config) (eventstore.Store, error) {
	var local eventstore.Store
	if cfg.Store.Events == config.MemoryDSN {
		local = eventstore.NewMemoryStore()
	} else {
		path, err := storage.SQLitePath(cfg.Store.Events)
		if err != nil {
			return nil, err
		}
		s, err := eventsqlite.NewStore(path)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, s.Close)
		local = s
	}
	r := cfg.Replication.Raft
	if !r.Enabled {
		return local, nil
	}
	raftlog.SetRaftLogger(d.logger)
	replicated, err := raftlog.New(raftlog.Config{
		NodeID:              r.NodeID,
		Address:             r.Address,
		PeerAddresses:       r.RaftPeers(),
		TickInterval:        r.TickInterval,
		BootstrapNewCluster: r.Bootstrap,
		Logger:              d.logger,
	}, local)
	if err != nil {
		return nil, fmt.Errorf("start raft: %w", err)
	}
	replicated.Start()
	d.closers = append(d.closers, replicated.Stop)
	return replicated, nil
}

func (d *daemon) openDB(dsn string) (*storage.DB, error) {
	if db, ok := d.dbs[dsn]; ok {
		return db, nil
	}
	db, err := storage.Open(dsn)
	if err != nil {
		return nil, err
	}
	d.dbs[dsn] = db
	d.closers = append(d.closers, db.Close)
	return db, nil
}

// openReadModels and openSubscriptions share one handle per dsn. Both stores are configured with the same dsn,
// so projection writes join the catch-up transaction.
func (d *daemon) openReadModels(dsn string) (contentstream.Repository, workspace.Repository, error) {
	if dsn == config.MemoryDSN {
		return contentstream.NewMemoryRepository(), workspace.NewMemoryRepository(), nil
	}
	db, err := d.openDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open read models: %w", err)
	}
	return sqlgraph.NewContentStreamRepository(db), sqlgraph.NewWorkspaceRepository(db), nil
}

func (d *daemon) openSubscriptions(dsn string) (subscription.Store, error) {
	if dsn == config.MemoryDSN {
		return subscription.NewMemoryStore(), nil
	}
	db, err := d.openDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription store: %w", err)
	}
	return sqlstore.New(db), nil
}

func (d *daemon) run(ctx context.Context) error {
	if d.trigger != nil {
		if err := d.trigger.Start(ctx); err != nil {
			return err
		}
	}
	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if d.cfg.Subscription.CatchUpInterval > 0 {
		spawn("catch-up", func(ctx context.Context) error {
			d.every(ctx, d.cfg.Subscription.CatchUpInterval, func() { d.catchUp(ctx, d.engine.Run) })
			return nil
		})
	}
	if d.cfg.Pruner.Interval > 0 {
		spawn("pruner", func(ctx context.Context) error {
			d.every(ctx, d.cfg.Pruner.Interval, func() { d.prune(ctx) })
			return nil
		})
	}
	if d.ingest != nil {
		spawn("kafka ingest", d.ingest.Start)
	}
	if d.admin != nil {
		spawn("admin socket", d.admin.Start)
	}
	d.logger.Info("content repository running")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		d.logger.Error("component failed", "err", err)
	}
	d.shutdown()
	wg.Wait()
	return err
}

func (d *daemon) shutdown() {
	if d.ingest != nil {
		d.ingest.Close()
	}
	if d.trigger != nil {
		if err := d.trigger.Close(); err != nil {
			d.logger.Warn("close rabbitmq trigger", "err", err)
		}
	}
	if d.admin != nil {
		_ = d.admin.Close()
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close", "err", err)
		}
	}
	d.closers = nil
}

func (d *daemon) every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (d *daemon) catchUp(ctx context.Context, fn func(context.Context, subscription.Criteria) error) {
	err := fn(ctx, subscription.Criteria{})
	var hadErrors *subscription.CatchUpHadErrors
	switch {
	case err == nil, errors.Is(err, subscription.ErrAlreadyProcessing):
	case errors.As(err, &hadErrors):
		ids := make([]string, 0)
		for _, id := range hadErrors.FailedSubscriptions() {
			ids = append(ids, string(id))
		}
		d.logger.Warn("catch-up committed with failed subscriptions", "subscriptions", strings.Join(ids, ","))
	default:
		d.logger.Error("catch-up failed", "err", err)
	}
}

func (d *daemon) prune(ctx context.Context) {
	if _, err := d.pruner.Prune(ctx); err != nil {
		d.logger.Error("prune content streams", "err", err)
		return
	}
	if !d.cfg.Pruner.DeleteFromEvents {
		return
	}
	if _, err := d.pruner.PruneRemovedFromEventStream(ctx); err != nil {
		d.logger.Error("delete removed content streams", "err", err)
	}
}
