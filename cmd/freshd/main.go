package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"freshd/internal/artifact"
	"freshd/internal/config"
	"freshd/internal/download"
	"freshd/internal/installer"
	"freshd/internal/metadata"
	"freshd/internal/platform"
	"freshd/internal/state"
	"freshd/internal/watch"
	"freshd/pkg/bus"
	gos3 "freshd/pkg/s3"
	"freshd/pkg/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "freshd",
		Short:         "Keeps remote artifacts installed and up to date",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newStateCommand())
	return cmd
}

// env bundles everything a command needs after configuration loading.
type env struct {
	cfg   config.Config
	def   config.Definition
	id    artifact.Identity
	store *state.Store
}

func loadEnv(artifactName, arch string) (env, error) {
	cfg, err := config.Load()
	if err != nil {
		return env{}, err
	}
	if artifactName != "" {
		cfg.Artifact = artifactName
	}
	if arch != "" {
		cfg.Arch = arch
	}

	defs, err := config.LoadDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return env{}, err
	}
	def, err := defs.Select(cfg.Artifact)
	if err != nil {
		return env{}, err
	}

	id := artifact.Identity{Name: def.Name, Arch: cfg.Arch}
	if err := id.Validate(); err != nil {
		return env{}, err
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return env{}, err
	}

	return env{cfg: cfg, def: def, id: id, store: store}, nil
}

// newSource builds the metadata fetcher and downloader pair for the
// definition's locator on this architecture.
func newSource(def config.Definition, arch string) (metadata.Fetcher, download.Downloader, error) {
	src, err := def.SourceFor(arch)
	if err != nil {
		return nil, nil, err
	}
	client := download.NewClient()

	switch {
	case src.URL != "":
		fetcher, err := metadata.NewHTTPFetcher(src.URL, client)
		if err != nil {
			return nil, nil, err
		}
		downloader, err := download.NewHTTPDownloader(src.URL, client, src.SHA256)
		if err != nil {
			return nil, nil, err
		}
		return fetcher, downloader, nil

	case src.S3 != "":
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		bucket, key, err := gos3.ParseURL(src.S3)
		if err != nil {
			return nil, nil, err
		}
		fetcher, err := metadata.NewS3Fetcher(s3Client, bucket, key)
		if err != nil {
			return nil, nil, err
		}
		downloader, err := download.NewS3Downloader(s3Client, bucket, key)
		if err != nil {
			return nil, nil, err
		}
		return fetcher, downloader, nil

	case src.Manifest != "":
		verifier, err := metadata.NewSignerFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("manifest verifier: %w", err)
		}
		source, err := metadata.NewManifestSource(src.Manifest, client, verifier)
		if err != nil {
			return nil, nil, err
		}
		downloader, err := download.NewManifestDownloader(source, client)
		if err != nil {
			return nil, nil, err
		}
		return source, downloader, nil
	}

	return nil, nil, fmt.Errorf("artifact %q has no usable source for arch %q", def.Name, arch)
}

func newInstaller(e env, tel *telemetry.Telemetry, publisher installer.OutcomePublisher) (*installer.Installer, error) {
	fetcher, downloader, err := newSource(e.def, e.cfg.Arch)
	if err != nil {
		return nil, err
	}

	execCfg := platform.ExecConfig{
		InstallPath:    e.def.InstallPath,
		InstallCommand: e.def.InstallCommand,
		Logger:         tel.Logger,
	}
	if e.def.Prerequisite != nil {
		execCfg.PrereqProbeCommand = e.def.Prerequisite.Probe
		execCfg.PrereqInstallCommand = e.def.Prerequisite.Install
	}
	executor, err := platform.NewExec(execCfg)
	if err != nil {
		return nil, err
	}

	return installer.New(installer.Config{
		Identity:             e.id,
		Fetcher:              fetcher,
		Downloader:           downloader,
		Store:                e.store,
		Executor:             executor,
		ConflictProcess:      e.def.ConflictProcess,
		ConflictPollInterval: e.cfg.ConflictPollInterval,
		ConflictTimeout:      e.cfg.ConflictTimeout,
		DownloadAttempts:     e.cfg.DownloadAttempts,
		DownloadBackoff:      e.cfg.DownloadBackoff,
		BundlePayload:        e.def.BundlePayload,
		Publisher:            publisher,
		Logger:               tel.Logger,
	})
}

// connectBus dials NATS when configured. A nil bus disables publishing.
func connectBus(url string, tel *telemetry.Telemetry) (*bus.Bus, installer.OutcomePublisher, error) {
	if url == "" {
		return nil, nil, nil
	}
	b, err := bus.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	tel.Logger.Printf("INFO outcome publishing enabled url=%s", url)
	return b, b, nil
}

func newRunCommand() *cobra.Command {
	var (
		artifactName string
		arch         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one update pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Init(ctx, "freshd")
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			e, err := loadEnv(artifactName, arch)
			if err != nil {
				return err
			}
			b, publisher, err := connectBus(e.cfg.NATSURL, tel)
			if err != nil {
				return err
			}
			if b != nil {
				defer b.Close()
			}

			ins, err := newInstaller(e, tel, publisher)
			if err != nil {
				return err
			}

			result, err := ins.Run(ctx)
			if err != nil {
				return fmt.Errorf("run %s (%s): %w", e.id, artifact.Classify(err), err)
			}
			tel.Logger.Printf("INFO run complete artifact=%s outcome=%s duration=%s", e.id, result.Outcome, result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactName, "artifact", "", "Artifact name from the definitions file (default: first entry)")
	cmd.Flags().StringVar(&arch, "arch", "", "Override the host architecture for source selection")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var (
		artifactName string
		arch         string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for updates on an interval and serve status endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Init(ctx, "freshd")
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			e, err := loadEnv(artifactName, arch)
			if err != nil {
				return err
			}
			b, publisher, err := connectBus(e.cfg.NATSURL, tel)
			if err != nil {
				return err
			}
			if b != nil {
				defer b.Close()
			}

			ins, err := newInstaller(e, tel, publisher)
			if err != nil {
				return err
			}

			svc, err := watch.New(watch.Config{
				Identity:   e.id,
				Runner:     ins,
				Interval:   e.cfg.PollInterval,
				ListenAddr: e.cfg.ListenAddr,
				Middleware: tel.Middleware,
				Logger:     tel.Logger,
			})
			if err != nil {
				return err
			}

			tel.Logger.Printf("INFO watching artifact=%s interval=%s", e.id, e.cfg.PollInterval)
			return svc.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&artifactName, "artifact", "", "Artifact name from the definitions file (default: first entry)")
	cmd.Flags().StringVar(&arch, "arch", "", "Override the host architecture for source selection")
	return cmd
}

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the persisted freshness indicator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateClearCommand())
	return cmd
}

func newStateShowCommand() *cobra.Command {
	var (
		artifactName string
		arch         string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted indicator for an artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(artifactName, arch)
			if err != nil {
				return err
			}

			indicator, err := e.store.Read(e.id)
			if errors.Is(err, state.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no persisted indicator\n", e.id)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.id, indicator)
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactName, "artifact", "", "Artifact name from the definitions file (default: first entry)")
	cmd.Flags().StringVar(&arch, "arch", "", "Override the host architecture for source selection")
	return cmd
}

func newStateClearCommand() *cobra.Command {
	var (
		artifactName string
		arch         string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the persisted indicator so the next run reinstalls",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(artifactName, arch)
			if err != nil {
				return err
			}
			if err := e.store.Clear(e.id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: state cleared\n", e.id)
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactName, "artifact", "", "Artifact name from the definitions file (default: first entry)")
	cmd.Flags().StringVar(&arch, "arch", "", "Override the host architecture for source selection")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
