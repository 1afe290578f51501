/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/replica-router/gateway"
	"github.com/couchbase/replica-router/pkg/metrics"
	"github.com/couchbase/replica-router/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Version: metrics.BuildVersion,

	Use:   "replica-router",
	Short: "Routes requests across the replicas of replication groups",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startRouterWatchdog()
			return
		}

		startRouter()
	},
}

var cfgFile string
var watchCfgFile bool
var daemon bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "in daemon mode, replica-router will not exit on initial failure")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9092, "the web metrics/health/routing port")
	configFlags.String("topology", gateway.TopologyModeStatic, "where group membership comes from (static or etcd)")
	configFlags.String("topology-file", "topology.json", "the member list to route to in static mode")
	configFlags.String("etcd-endpoints", "localhost:2379", "comma separated etcd endpoints used in etcd mode")
	configFlags.String("etcd-prefix", "/replica-router", "the etcd key prefix for topology and roles")
	configFlags.String("zones", "", "comma separated zones preferred for least-busy selection")
	configFlags.Duration("rate-interval", time.Second, "the window over which progress rates are measured")
	configFlags.Duration("repair-interval", 5*time.Second, "how often broken connections are repaired")
	configFlags.Duration("repair-timeout", 10*time.Second, "the time allowed for a single connection repair")
	configFlags.Duration("probe-interval", 10*time.Second, "how often every group is health probed, 0 disables")
	configFlags.String("probe-service", "", "the grpc health service name to check on replicas")
	configFlags.String("remote-user", "", "the username sent to replicas")
	configFlags.String("remote-pass", "", "the password sent to replicas")
	configFlags.Duration("request-timeout", 5*time.Second, "the timeout of each call made to a replica")
	configFlags.Bool("async-handles", false, "resolve replica connections asynchronously")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.Bool("debug", false, "enable debug mode")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("rr")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("couchbase-replica-router"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	bindAddress        string
	webPort            int
	topologyMode       string
	topologyFile       string
	etcdEndpoints      []string
	etcdPrefix         string
	zones              []string
	rateInterval       time.Duration
	repairInterval     time.Duration
	repairTimeout      time.Duration
	probeInterval      time.Duration
	probeService       string
	remoteUser         string
	remotePass         string
	requestTimeout     time.Duration
	asyncHandles       bool
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
	debug              bool
	cpuprofile         string
}

// splitList splits a comma separated flag value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		topologyMode:       viper.GetString("topology"),
		topologyFile:       viper.GetString("topology-file"),
		etcdEndpoints:      splitList(viper.GetString("etcd-endpoints")),
		etcdPrefix:         viper.GetString("etcd-prefix"),
		zones:              splitList(viper.GetString("zones")),
		rateInterval:       viper.GetDuration("rate-interval"),
		repairInterval:     viper.GetDuration("repair-interval"),
		repairTimeout:      viper.GetDuration("repair-timeout"),
		probeInterval:      viper.GetDuration("probe-interval"),
		probeService:       viper.GetString("probe-service"),
		remoteUser:         viper.GetString("remote-user"),
		remotePass:         viper.GetString("remote-pass"),
		requestTimeout:     viper.GetDuration("request-timeout"),
		asyncHandles:       viper.GetBool("async-handles"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
		debug:              viper.GetBool("debug"),
		cpuprofile:         viper.GetString("cpuprofile"),
	}

	logger.Info("parsed router configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("topologyMode", config.topologyMode),
		zap.String("topologyFile", config.topologyFile),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Strings("zones", config.zones),
		zap.Duration("rateInterval", config.rateInterval),
		zap.Duration("repairInterval", config.repairInterval),
		zap.Duration("repairTimeout", config.repairTimeout),
		zap.Duration("probeInterval", config.probeInterval),
		zap.String("probeService", config.probeService),
		zap.String("remoteUser", config.remoteUser),
		zap.Duration("requestTimeout", config.requestTimeout),
		zap.Bool("asyncHandles", config.asyncHandles),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.Bool("debug", config.debug),
		zap.String("cpuprofile", config.cpuprofile))

	return config
}

// restartRequired lists the settings which differ between two configs and
// cannot be applied without a restart.
func restartRequired(oldConfig, newConfig *config) []string {
	var changed []string
	if newConfig.bindAddress != oldConfig.bindAddress || newConfig.webPort != oldConfig.webPort {
		changed = append(changed, "bindAddress/webPort")
	}
	if newConfig.topologyMode != oldConfig.topologyMode ||
		newConfig.topologyFile != oldConfig.topologyFile ||
		strings.Join(newConfig.etcdEndpoints, ",") != strings.Join(oldConfig.etcdEndpoints, ",") ||
		newConfig.etcdPrefix != oldConfig.etcdPrefix {
		changed = append(changed, "topology")
	}
	if strings.Join(newConfig.zones, ",") != strings.Join(oldConfig.zones, ",") ||
		newConfig.rateInterval != oldConfig.rateInterval {
		changed = append(changed, "zones/rateInterval")
	}
	if newConfig.repairInterval != oldConfig.repairInterval ||
		newConfig.repairTimeout != oldConfig.repairTimeout {
		changed = append(changed, "repairInterval/repairTimeout")
	}
	if newConfig.probeService != oldConfig.probeService ||
		newConfig.remoteUser != oldConfig.remoteUser ||
		newConfig.remotePass != oldConfig.remotePass ||
		newConfig.requestTimeout != oldConfig.requestTimeout ||
		newConfig.asyncHandles != oldConfig.asyncHandles {
		changed = append(changed, "remote connection settings")
	}
	if newConfig.otlpEndpoint != oldConfig.otlpEndpoint ||
		newConfig.disableOtlpTraces != oldConfig.disableOtlpTraces ||
		newConfig.disableOtlpMetrics != oldConfig.disableOtlpMetrics ||
		newConfig.traceEverything != oldConfig.traceEverything {
		changed = append(changed, "telemetry")
	}
	if newConfig.debug != oldConfig.debug || newConfig.cpuprofile != oldConfig.cpuprofile {
		changed = append(changed, "debug/cpuprofile")
	}
	return changed
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}

func startRouter() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting replica-router", zap.String("version", metrics.BuildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemon))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup telemetry
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	gw, err := gateway.NewGateway(&gateway.Config{
		Logger:         logger.Named("gateway"),
		Daemon:         daemon,
		Debug:          config.debug,
		TopologyMode:   config.topologyMode,
		TopologyFile:   config.topologyFile,
		EtcdEndpoints:  config.etcdEndpoints,
		EtcdPrefix:     config.etcdPrefix,
		Zones:          config.zones,
		RateInterval:   config.rateInterval,
		RepairInterval: config.repairInterval,
		RepairTimeout:  config.repairTimeout,
		ProbeInterval:  config.probeInterval,
		ProbeService:   config.probeService,
		Username:       config.remoteUser,
		Password:       config.remotePass,
		RequestTimeout: config.requestTimeout,
		AsyncHandles:   config.asyncHandles,
		StartupCallback: func(info *gateway.StartupInfo) {
			logger.Info("router started",
				zap.String("topologyMode", info.TopologyMode),
				zap.Int("numGroups", info.NumGroups))
		},
	})
	if err != nil {
		logger.Error("failed to initialize the router", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Router:        gw.Router(),
		Debug:         config.debug,
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if changed := restartRequired(config, newConfig); len(changed) > 0 {
			logger.Warn("some config changes require a restart",
				zap.Strings("settings", changed))
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.probeInterval != config.probeInterval {
			err := gw.Reconfigure(&gateway.ReconfigureOptions{
				ProbeInterval: newConfig.probeInterval,
			})
			if err != nil {
				logger.Warn("failed to reconfigure router", zap.Error(err))
			}
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					gw.Shutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				gw.Shutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = gw.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the router", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = otlpTracerProvider.Shutdown(shutdownCtx)
		cancel()
	}

	logger.Info("router shutdown gracefully")
}

func startRouterWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
