package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/dispatch"
	"loom/internal/logging"
	"loom/internal/project"
	"loom/internal/provider"
	"loom/internal/refs"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/loom/config.toml)")
	writeSample := flag.Bool("init", false, "write a sample config file and exit")
	flag.Parse()

	if *writeSample {
		path := *configPath
		if path == "" {
			defaultPath, err := config.DefaultConfigPath()
			if err != nil {
				log.Fatalf("resolve config path: %v", err)
			}
			path = defaultPath
		}
		if err := config.CreateSample(path); err != nil {
			log.Fatalf("write sample config: %v", err)
		}
		log.Printf("wrote sample config to %s", path)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, resolvedPath, exists, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !exists {
		log.Printf("no config file at %s, using defaults and environment", resolvedPath)
	}

	logPath := filepath.Join(cfg.Paths.LogDir, "loomd.log")
	logger, err := logging.NewWithFile(cfg.Logging.Level, cfg.Logging.Format, logPath, os.Stdout)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	registry, err := refs.Open(cfg)
	if err != nil {
		logger.Error("open reference registry", logging.Error(err))
		os.Exit(1)
	}
	defer registry.Close()

	store, err := artifact.NewStore(cfg, registry, logger)
	if err != nil {
		logger.Error("open artifact store", logging.Error(err))
		os.Exit(1)
	}

	// Providers fetch inputs by artifact hash; external URLs pass through.
	resolve := func(ref string) (string, error) {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			return ref, nil
		}
		return store.PublicURL(ref)
	}
	providers := provider.NewRegistry(cfg, resolve, logger)
	dispatcher := dispatch.New(cfg, providers, store, registry, logger)
	projects := project.NewStore(cfg.ProjectsPath(), logger)

	d, err := daemon.New(cfg, store, registry, projects, providers, dispatcher, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("loomd shutting down")
}
