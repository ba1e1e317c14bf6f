package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kubesecretfs/kube-secret-fs/core/archive"
	"github.com/kubesecretfs/kube-secret-fs/core/config"
	"github.com/kubesecretfs/kube-secret-fs/core/secretfs"
	"github.com/kubesecretfs/kube-secret-fs/core/store"
	"github.com/kubesecretfs/kube-secret-fs/core/syncer"
	"github.com/kubesecretfs/kube-secret-fs/lib/logger"
	"go.uber.org/zap"
)

func main() {
	if err := newApp(run).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kube-secret-fs:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logger.New("kube-secret-fs", cfg.Debug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	return serve(cfg, log)
}

func serve(cfg *config.Config, log *zap.SugaredLogger) error {
	log.Infow("startup", "status", "starting", "mountPoint", cfg.MountPoint, "baseDir", cfg.BaseDir,
		"namespace", cfg.SecretNamespace, "baseName", cfg.SecretBaseName, "store", cfg.Store)

	objects, closeStore, err := openStore(cfg)
	if err != nil {
		log.Errorw("startup", "status", "opening store failed", "error", err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warnw("shutdown", "status", "closing store failed", "error", err)
		}
	}()

	archiver, err := archive.New(cfg.Archiver)
	if err != nil {
		return err
	}

	s := syncer.New(syncer.Config{
		BaseDir:           cfg.BaseDir,
		BaseName:          cfg.SecretBaseName,
		MaxBytesPerSecret: cfg.MaxBytesPerSecret,
		MaxSecrets:        cfg.MaxSecrets,
		Timeout:           cfg.Timeout(),
	}, objects, archiver, log.Named("syncer"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recovering %s: %w", cfg.BaseDir, err)
	}

	// The committer outlives the signal context so that it stops only after
	// the mount is gone.
	cctx, stopCommitter := context.WithCancel(context.Background())
	committer := syncer.NewCommitter(s, s.Timeout(), log.Named("committer"))
	go committer.Run(cctx)
	defer func() {
		stopCommitter()
		<-committer.Done()
		log.Infow("shutdown", "status", "committer stopped")
	}()

	server, err := secretfs.Mount(secretfs.Options{
		MountPoint: cfg.MountPoint,
		CacheDir:   cfg.BaseDir,
		Submitter:  committer,
		AllowOther: cfg.AllowOther,
		Debug:      cfg.Debug,
		Log:        log.Named("secretfs"),
	})
	if err != nil {
		return err
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	log.Infow("startup", "status", "serving", "mountPoint", cfg.MountPoint)

	select {
	case <-ctx.Done():
		log.Infow("shutdown", "status", "unmounting", "mountPoint", cfg.MountPoint)
		if err := server.Unmount(); err != nil {
			log.Errorw("shutdown", "status", "unmount failed", "error", err)
		}
	case <-unmounted:
		log.Infow("shutdown", "status", "unmounted externally", "mountPoint", cfg.MountPoint)
	}

	return nil
}

func openStore(cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreLevelDB:
		d, err := store.OpenLevelDB(cfg.LevelDBPath, cfg.SecretNamespace)
		if err != nil {
			return nil, nil, fmt.Errorf("opening leveldb store %s: %w", cfg.LevelDBPath, err)
		}
		return d, d.Close, nil
	default:
		client, err := store.NewKubeClient(cfg.Kubeconfig)
		if err != nil {
			return nil, nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		return store.NewKube(client, cfg.SecretNamespace), func() error { return nil }, nil
	}
}
