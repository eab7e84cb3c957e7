package main

import (
	"flag"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/EdwardLuke/passivation/config"
	"github.com/EdwardLuke/passivation/sharding"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

func main() {
	configPath := flag.String("config", "config.json", "path to the flat-key configuration file")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	raw, err := ioutil.ReadFile(*configPath)
	if err != nil {
		zlog.Panic().Err(err).Msg("could not read configuration file")
	}

	cfg, err := config.Decode(raw)
	if err != nil {
		zlog.Panic().Err(err).Msg("could not decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		zlog.Panic().Err(err).Msg("invalid configuration")
	}
	if cfg.LegacyIdleWarning() {
		zlog.Warn().Msg("passivation.idle.legacyTimeout is ignored; passivation.strategy and passivation.idle.timeout take precedence")
	}

	if level, err := zerolog.ParseLevel(cfg.LoggingLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	strategy := buildStrategy(cfg)

	managerCfg := sharding.ManagerConfig{
		BufferSize:     cfg.BufferSize,
		HandOffTimeout: time.Duration(cfg.HandOffTimeout),
	}

	opts := make([]sharding.ManagerOption, 0, 3)

	var admin *sharding.AdminServer

	if cfg.NotifyNatsAddress != "" {
		notifier, err := sharding.NewStanNotifier(cfg.NotifyNatsAddress, cfg.NotifyNatsCluster, cfg.NotifyNatsClient, "passivation", zlog)
		if err != nil {
			zlog.Error().Err(err).Msg("could not connect intent notifier, continuing without it")
		} else {
			opts = append(opts, sharding.WithNotifier(notifier))
			defer notifier.Close()
		}
	}

	if cfg.MetricsRedisAddress != "" {
		sink, err := sharding.NewRedisMetricsSink(cfg.MetricsRedisAddress, "", 0, cfg.MetricsRedisPrefix, zlog)
		if err != nil {
			zlog.Error().Err(err).Msg("could not connect metrics sink, continuing without it")
		} else {
			opts = append(opts, sharding.WithMetricsSink(sink))
			defer sink.Close()
		}
	}

	manager := sharding.NewManager(managerCfg, strategy, zlog, opts...)

	if cfg.AdminListenAddress != "" {
		admin = sharding.NewAdminServer(manager, zlog)
		go func() {
			zlog.Info().Str("address", cfg.AdminListenAddress).Msg("admin server listening")
			if err := http.ListenAndServe(cfg.AdminListenAddress, admin.Handler()); err != nil {
				zlog.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	zlog.Info().Str("strategy", string(cfg.Strategy)).Msg("passivation engine started, do ^C to stop")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	manager.Close()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

func buildStrategy(cfg config.Configuration) *sharding.Strategy {
	switch cfg.Strategy {
	case config.StrategyIdle:
		return sharding.NewIdleStrategy(time.Duration(cfg.IdleTimeout), zlog)
	case config.StrategyLRU:
		return sharding.NewLRUStrategy(cfg.LRULimit, zlog)
	default:
		return sharding.NewNoneStrategy(zlog)
	}
}
