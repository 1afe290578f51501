/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/replica-router/dispatch"
	"github.com/couchbase/replica-router/pkg/configwatcher"
	"github.com/couchbase/replica-router/pkg/interceptors"
	"github.com/couchbase/replica-router/pkg/metrics"
	"github.com/couchbase/replica-router/remote"
	"github.com/couchbase/replica-router/routing"
	"github.com/couchbase/replica-router/topology"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	etcd "go.etcd.io/etcd/client/v3"
)

const (
	TopologyModeStatic = "static"
	TopologyModeEtcd   = "etcd"
)

type StartupInfo struct {
	TopologyMode string
	NumGroups    int
}

type Config struct {
	Logger *zap.Logger
	Daemon bool
	Debug  bool

	TopologyMode string
	TopologyFile string

	EtcdEndpoints []string
	EtcdPrefix    string

	// Zones limits the least-busy selection to nodes of these zones.  An
	// empty list allows every zone.
	Zones []string

	RateInterval   time.Duration
	RepairInterval time.Duration
	RepairTimeout  time.Duration

	// ProbeInterval is how often every group is health probed.  Zero
	// disables probing.
	ProbeInterval time.Duration
	ProbeService  string

	Username       string
	Password       string
	RequestTimeout time.Duration
	AsyncHandles   bool

	StartupCallback func(*StartupInfo)
}

type ReconfigureOptions struct {
	ProbeInterval time.Duration
}

// Gateway owns a Router along with everything which keeps its tables
// current: the topology source, the role watcher, the connection repairer
// and the health prober.
type Gateway struct {
	config *Config
	logger *zap.Logger

	router     *routing.Router
	dispatcher *dispatch.Dispatcher[*remote.Conn]
	gaugeReg   metric.Registration

	probeIntervalCh chan time.Duration

	lock        sync.Mutex
	shutdownSig chan struct{}
	isShutdown  bool
}

func NewGateway(config *Config) (*Gateway, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.TopologyMode {
	case TopologyModeStatic:
		if config.TopologyFile == "" {
			return nil, errors.New("static topology requires a topology file")
		}
	case TopologyModeEtcd:
		if len(config.EtcdEndpoints) == 0 {
			return nil, errors.New("etcd topology requires at least one etcd endpoint")
		}
	default:
		return nil, errors.New("unknown topology mode: " + config.TopologyMode)
	}

	routerMetrics := metrics.GetRouterMetrics()

	var zoneFilter routing.ZoneFilter
	if len(config.Zones) > 0 {
		zones := make([]routing.ZoneID, len(config.Zones))
		for i, zone := range config.Zones {
			zones[i] = routing.ZoneID(zone)
		}
		zoneFilter = routing.ZonesFilter(zones...)
	}

	handleFactory := remote.NewHandleFactory(remote.HandleFactoryOptions{
		Dial: remote.DialOptions{
			ServiceName:    config.ProbeService,
			Username:       config.Username,
			Password:       config.Password,
			RequestTimeout: config.RequestTimeout,
			ExtraDialOptions: []grpc.DialOption{
				grpc.WithChainUnaryInterceptor(
					interceptors.NewMetricsInterceptor(routerMetrics).UnaryClientInterceptor(),
					interceptors.NewLoggingInterceptor(logger.Named("remote")).UnaryClientInterceptor(),
				),
			},
		},
		Async:  config.AsyncHandles,
		Logger: logger.Named("remote"),
	})

	router := routing.NewRouter(routing.RouterOptions{
		Logger:        logger.Named("router"),
		HandleFactory: handleFactory,
		Observer:      routerMetrics,
		RateInterval:  config.RateInterval,
		ZoneFilter:    zoneFilter,
	})

	dispatcher, err := dispatch.NewDispatcher(dispatch.Options[*remote.Conn]{
		Router:      router,
		Conn:        remote.ConnFor,
		IsRetryable: isProbeRetryable,
		Logger:      logger.Named("dispatch"),
	})
	if err != nil {
		return nil, err
	}

	gaugeReg, err := metrics.RegisterRouterGauges(otel.Meter("com.couchbase.replica-router"), router)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		config:          config,
		logger:          logger,
		router:          router,
		dispatcher:      dispatcher,
		gaugeReg:        gaugeReg,
		probeIntervalCh: make(chan time.Duration, 1),
		shutdownSig:     make(chan struct{}),
	}, nil
}

func (g *Gateway) Router() *routing.Router {
	return g.router
}

func (g *Gateway) Dispatcher() *dispatch.Dispatcher[*remote.Conn] {
	return g.dispatcher
}

// retry runs fn until it succeeds.  Outside daemon mode the first failure
// is returned instead.
func (g *Gateway) retry(ctx context.Context, what string, fn func() error) error {
	if !g.config.Daemon {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		g.logger.Warn("failed to "+what+", retrying",
			zap.Error(err),
			zap.Duration("delay", d))
	})
}

func (g *Gateway) connectEtcd(ctx context.Context) (*etcd.Client, error) {
	var etcdClient *etcd.Client
	err := g.retry(ctx, "connect to etcd", func() error {
		client, err := etcd.New(etcd.Config{
			Endpoints:   g.config.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      g.logger.Named("etcd-client"),
		})
		if err != nil {
			return err
		}

		etcdCtx, etcdCtxCancelFn := context.WithTimeout(ctx, 2500*time.Millisecond)
		_, err = client.KV.Get(etcdCtx, "test-key")
		etcdCtxCancelFn()
		if err != nil {
			_ = client.Close()
			return err
		}

		etcdClient = client
		return nil
	})
	if err != nil {
		return nil, err
	}

	return etcdClient, nil
}

func (g *Gateway) startStaticTopology(ctx context.Context) (topology.Provider, func(), error) {
	var watcher *configwatcher.ConfigWatcher[[]topology.Member]
	var members []topology.Member
	err := g.retry(ctx, "load topology file", func() error {
		w, err := configwatcher.NewConfigWatcher[[]topology.Member](
			g.config.TopologyFile, g.logger.Named("topology-file"))
		if err != nil {
			return err
		}

		loaded, err := w.Load()
		if err != nil {
			_ = w.Close()
			return err
		}

		watcher = w
		members = loaded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	provider, err := topology.NewStaticProvider(topology.StaticProviderOptions{
		Members: members,
	})
	if err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	memberCh, unsubscribe := watcher.Subscribe()
	go func() {
		for members := range memberCh {
			err := provider.SetMembers(members)
			if err != nil {
				g.logger.Warn("ignoring invalid topology file update", zap.Error(err))
				continue
			}

			g.logger.Info("applied topology file update", zap.Int("numMembers", len(members)))
		}
	}()

	return provider, func() {
		unsubscribe()
		_ = watcher.Close()
	}, nil
}

func (g *Gateway) startEtcdTopology(ctx context.Context) (topology.Provider, func(), error) {
	etcdClient, err := g.connectEtcd(ctx)
	if err != nil {
		return nil, nil, err
	}

	provider, err := topology.NewEtcdProvider(topology.EtcdProviderOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  g.config.EtcdPrefix + "/topology",
		Logger:     g.logger.Named("etcd-topology"),
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, nil, err
	}

	roleWatcher, err := topology.NewRoleWatcher(topology.RoleWatcherOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  g.config.EtcdPrefix + "/roles",
		Logger:     g.logger.Named("role-watcher"),
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, nil, err
	}

	roleCtx, roleCancel := context.WithCancel(ctx)
	rolesDoneCh := make(chan struct{})
	go func() {
		g.router.WatchRoles(roleWatcher.Watch(roleCtx))
		close(rolesDoneCh)
	}()

	return provider, func() {
		roleCancel()
		<-rolesDoneCh
		_ = etcdClient.Close()
	}, nil
}

func (g *Gateway) startTopology(ctx context.Context) (topology.Provider, func(), error) {
	if g.config.TopologyMode == TopologyModeEtcd {
		return g.startEtcdTopology(ctx)
	}
	return g.startStaticTopology(ctx)
}

func (g *Gateway) watchTopology(ctx context.Context, provider topology.Provider) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := g.router.WatchTopology(ctx, provider)
		if ctx.Err() != nil {
			return nil
		}

		if !g.config.Daemon {
			return err
		}

		delay := b.NextBackOff()
		g.logger.Warn("topology watch failed, restarting",
			zap.Error(err),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Run starts every component and blocks until ctx is cancelled or
// Shutdown is called.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.shutdownSig:
			cancel()
		case <-ctx.Done():
		}
	}()

	g.logger.Info("starting topology source",
		zap.String("mode", g.config.TopologyMode))

	provider, stopTopology, err := g.startTopology(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer stopTopology()

	snap, err := provider.Get(ctx)
	if err == nil {
		g.router.ApplySnapshot(snap)
	} else {
		g.logger.Warn("failed to fetch initial topology", zap.Error(err))
	}

	repairer := routing.NewRepairer(routing.RepairerOptions{
		Router:   g.router,
		Logger:   g.logger.Named("repairer"),
		Interval: g.config.RepairInterval,
		Timeout:  g.config.RepairTimeout,
		Observer: metrics.GetRouterMetrics(),
	})
	defer repairer.Close()

	prober := newProber(g.dispatcher, g.router, g.config.ProbeService, g.logger.Named("prober"))
	proberDoneCh := make(chan struct{})
	go func() {
		prober.Run(ctx, g.config.ProbeInterval, g.probeIntervalCh)
		close(proberDoneCh)
	}()
	defer func() { <-proberDoneCh }()

	if g.config.StartupCallback != nil {
		g.config.StartupCallback(&StartupInfo{
			TopologyMode: g.config.TopologyMode,
			NumGroups:    len(g.router.Groups()),
		})
	}

	err = g.watchTopology(ctx, provider)

	g.logger.Info("shutting down")
	return err
}

func (g *Gateway) Reconfigure(opts *ReconfigureOptions) error {
	if opts.ProbeInterval < 0 {
		return errors.New("probe interval cannot be negative")
	}

	// only the latest interval matters
	select {
	case <-g.probeIntervalCh:
	default:
	}
	g.probeIntervalCh <- opts.ProbeInterval

	return nil
}

func (g *Gateway) Shutdown() {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.isShutdown {
		return
	}
	g.isShutdown = true

	close(g.shutdownSig)
	if err := g.gaugeReg.Unregister(); err != nil {
		g.logger.Debug("failed to unregister router gauges", zap.Error(err))
	}
}
