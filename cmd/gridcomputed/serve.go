package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gridcompute/gridcompute/internal/buildinfo"
	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/casearchive"
	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/claimcache"
	"github.com/gridcompute/gridcompute/internal/config"
	"github.com/gridcompute/gridcompute/internal/gridlog"
	"github.com/gridcompute/gridcompute/internal/lifecycle"
	"github.com/gridcompute/gridcompute/internal/notify"
	"github.com/gridcompute/gridcompute/internal/orchestrator"
	"github.com/spf13/cobra"
)

const (
	casesCollection    = "cases"
	versionsCollection = "versions"
	machinesCollection = "machines"
	amqpExchange       = "gridcompute.cases"
)

var log = gridlog.For("cmd")

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		gridlog.Base.Fatalf("loading configuration: %v", err)
	}
	gridlog.Configure(cfg.LogLevel, cfg.LogFormat == "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	registry, err := caseregistry.Open(ctx, cfg.Settings.DatabaseServer, casesCollection, versionsCollection, machinesCollection)
	if err != nil {
		log.WithErr(err).Fatal("opening case registry")
	}
	if err := registry.EnsureIndexes(ctx); err != nil {
		log.WithErr(err).Fatal("ensuring case registry indexes")
	}

	if err := checkVersion(ctx, registry); err != nil {
		log.WithErr(err).Fatal("version handshake refused")
	}

	index, err := buildCapabilityIndex(cfg)
	if err != nil {
		log.WithErr(err).Fatal("loading capability index")
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		log.WithErr(err).Fatal("building case archive")
	}

	lifecycleCfg := lifecycle.Config{
		Self:              caseregistry.Identity{Machine: cfg.Settings.Machine, User: cfg.Settings.User},
		UserGroup:         cfg.Settings.UserGroup,
		Instance:          cfg.Settings.Instance,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReclaimGrace:      cfg.ReclaimGrace(),
		ScratchRoot:       scratchRoot(cfg),
	}

	facade, err := orchestrator.New(lifecycleCfg, registry, archive, index, cfg.Settings.WorkerCapacity, scratchRoot(cfg), cfg.Settings.StatusHTTPAddr)
	if err != nil {
		log.WithErr(err).Fatal("constructing orchestration facade")
	}

	if cfg.Settings.RedisURL != "" {
		cache, err := claimcache.New(cfg.Settings.RedisURL)
		if err != nil {
			log.WithErr(err).Warn("claim-miss cache unavailable, continuing without it")
		} else {
			facade.SetClaimMissCache(cache)
		}
	}

	if cfg.Settings.AMQPURL != "" {
		exchange := cfg.Settings.AMQPExchange
		if exchange == "" {
			exchange = amqpExchange
		}
		notifier, err := notify.New(notify.RealDialer{}, cfg.Settings.AMQPURL, exchange)
		if err != nil {
			log.WithErr(err).Warn("change notifier unavailable, relying on timer-driven poll")
		} else {
			facade.SetNotifier(notifier)
			facade.SetSubscriber(notifier)
		}
	}

	log.Infof("gridcomputed %s starting as %s@%s", buildinfo.Version(), cfg.Settings.User, cfg.Settings.Machine)
	facade.Run(ctx)
	log.Info("gridcomputed stopped")
}

func waitForSignal(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutdown requested")
	cancel()
}

func checkVersion(ctx context.Context, registry *caseregistry.Registry) error {
	verdict, err := registry.QueryVersion(ctx, buildinfo.Version())
	if err != nil {
		return err
	}
	switch verdict.Status {
	case caseregistry.Refused:
		return fmt.Errorf("version %s refused: %s", buildinfo.Version(), verdict.Message)
	case caseregistry.Warning:
		log.Warnf("version handshake warning: %s", verdict.Message)
	}
	return nil
}

func buildCapabilityIndex(cfg *config.Config) (*capability.Index, error) {
	matrix, err := capability.LoadMatrix(cfg.SoftwarePerMachinePath())
	if err != nil {
		return nil, err
	}
	return capability.NewIndex(cfg.Settings.Machine, matrix, cfg.ApplicationsDir())
}

func buildArchive(ctx context.Context, cfg *config.Config) (*casearchive.Archive, error) {
	var mirror casearchive.Mirror
	if cfg.Settings.S3MirrorBucket != "" {
		m, err := casearchive.NewS3Mirror(ctx, cfg.Settings.S3MirrorEndpoint, cfg.Settings.S3MirrorRegion,
			cfg.Settings.S3MirrorAccessKey, cfg.Settings.S3MirrorSecretKey, cfg.Settings.S3MirrorBucket)
		if err != nil {
			return nil, err
		}
		mirror = m
	}
	return casearchive.New(cfg.CasesDir(), cfg.ResultsDir(), mirror), nil
}

func scratchRoot(cfg *config.Config) string {
	return filepath.Join(cfg.SharedRoot, ".gridcompute-scratch")
}
