package main

import (
	"github.com/kubesecretfs/kube-secret-fs/core/config"
	"github.com/urfave/cli/v2"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "base-dir",
		Usage: "Local cache directory mirrored into the store",
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging and FUSE request tracing",
	},
	&cli.StringFlag{
		Name:  "namespace",
		Usage: "Namespace holding the secrets",
	},
	&cli.StringFlag{
		Name:  "base-name",
		Usage: "Name of the metadata secret and prefix of chunk secrets",
	},
	&cli.IntFlag{
		Name:  "max-bytes-per-secret",
		Usage: "Payload size of one chunk secret",
	},
	&cli.IntFlag{
		Name:  "max-secrets",
		Usage: "Maximum number of chunk secrets per snapshot",
	},
	&cli.IntFlag{
		Name:  "timeout",
		Usage: "Deadline in seconds of a recovery pass or an upload cycle",
	},
	&cli.StringFlag{
		Name:  "store",
		Usage: "Object store backend: kube or leveldb",
	},
	&cli.StringFlag{
		Name:  "kubeconfig",
		Usage: "Path to a kubeconfig; in-cluster configuration is used when empty",
	},
	&cli.StringFlag{
		Name:  "leveldb-path",
		Usage: "Directory of the leveldb store",
	},
	&cli.StringFlag{
		Name:  "archiver",
		Usage: "Snapshot archiver: native or tar",
	},
	&cli.BoolFlag{
		Name:  "allow-other",
		Usage: "Allow other users to access the mount",
	},
}

func newApp(action func(cfg *config.Config) error) *cli.App {
	return &cli.App{
		Name:      "kube-secret-fs",
		Usage:     "Mount a directory persisted in Kubernetes secrets",
		ArgsUsage: "<mount point>",
		Flags:     flags,
		Action: func(ctx *cli.Context) error {
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}

			applyFlags(ctx, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			return action(cfg)
		},
	}
}

// applyFlags overrides environment values with explicitly set flags.
func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.Args().Present() {
		cfg.MountPoint = ctx.Args().First()
	}
	if ctx.IsSet("base-dir") {
		cfg.BaseDir = ctx.String("base-dir")
	}
	if ctx.IsSet("debug") {
		cfg.Debug = ctx.Bool("debug")
	}
	if ctx.IsSet("namespace") {
		cfg.SecretNamespace = ctx.String("namespace")
	}
	if ctx.IsSet("base-name") {
		cfg.SecretBaseName = ctx.String("base-name")
	}
	if ctx.IsSet("max-bytes-per-secret") {
		cfg.MaxBytesPerSecret = ctx.Int("max-bytes-per-secret")
	}
	if ctx.IsSet("max-secrets") {
		cfg.MaxSecrets = ctx.Int("max-secrets")
	}
	if ctx.IsSet("timeout") {
		cfg.KubeAPITimeoutSeconds = ctx.Int("timeout")
	}
	if ctx.IsSet("store") {
		cfg.Store = ctx.String("store")
	}
	if ctx.IsSet("kubeconfig") {
		cfg.Kubeconfig = ctx.String("kubeconfig")
	}
	if ctx.IsSet("leveldb-path") {
		cfg.LevelDBPath = ctx.String("leveldb-path")
	}
	if ctx.IsSet("archiver") {
		cfg.Archiver = ctx.String("archiver")
	}
	if ctx.IsSet("allow-other") {
		cfg.AllowOther = ctx.Bool("allow-other")
	}
}
