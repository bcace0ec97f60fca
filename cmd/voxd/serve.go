package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"voxd/internal/backend"
	"voxd/internal/backend/llama"
	"voxd/internal/config"
	"voxd/internal/download"
	"voxd/internal/eventbus"
	"voxd/internal/generate"
	"voxd/internal/governor"
	"voxd/internal/httpapi"
	"voxd/internal/pipeline"
	"voxd/internal/registry"
	"voxd/internal/store"
	"voxd/pkg/types"
)

func serveCmd() *cobra.Command {
	var (
		cfgPath  string
		addr     string
		dataDir  string
		budgetMB int
		withMock bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags override the file.
			if addr != "" {
				cfg.Addr = addr
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if budgetMB > 0 {
				cfg.BudgetMB = budgetMB
			}
			return serve(cfg, withMock)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Config file (.toml/.yaml/.json)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8090")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory for artifacts and metadata")
	cmd.Flags().IntVar(&budgetMB, "budget-mb", 0, "Memory budget in MB for loaded models (0=config default)")
	cmd.Flags().BoolVar(&withMock, "with-mock", false, "Register the mock inference backend")
	return cmd
}

func serve(cfg config.Config, withMock bool) error {
	log := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	st, err := store.Open(store.Options{Dir: cfg.StoreDir()}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := eventbus.New()
	defer bus.Close()

	table := backend.NewTable()
	table.Register(llama.New(4096, 0))
	if withMock {
		table.Register(&backend.MockProvider{})
	}

	gov := governor.New(governor.Config{
		BudgetMB:    cfg.BudgetMB,
		MarginMB:    cfg.MarginMB,
		LoadTimeout: cfg.LoadTimeout(),
	}, table, bus, log)
	defer gov.Close()

	dl := download.NewManager(download.Config{
		Dir:              cfg.ArtifactsDir(),
		MaxConcurrent:    int64(cfg.MaxConcurrentDownloads),
		ChunkSize:        cfg.ChunkSizeKB * 1024,
		MaxRetries:       cfg.DownloadRetries,
		ProgressInterval: time.Duration(cfg.ProgressIntervalMs) * time.Millisecond,
	}, bus, log)
	defer dl.Close()

	reg := registry.New(st, dl, gov, bus, log)
	if err := reg.RegisterBuiltIn(seedModels(cfg.BuiltIn)); err != nil {
		return err
	}
	if err := reg.Reconcile(); err != nil {
		return err
	}

	gen := generate.New(gov, reg, bus, log, generate.Defaults{Model: cfg.DefaultModel})
	orch := pipeline.New(pipeline.Config{
		SilenceTimeout:  time.Duration(cfg.SilenceTimeoutMs) * time.Millisecond,
		EndpointSilence: time.Duration(cfg.EndpointSilenceMs) * time.Millisecond,
		EnergyThreshold: cfg.EnergyThreshold,
		FrameQueueDepth: cfg.FrameQueueDepth,
	}, gov, reg, gen, bus, log)
	defer orch.Close()

	api := httpapi.New(reg, gov, dl, gen, orch, bus, log, httpapi.Options{
		CORS:           cfg.CORS,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Msg("voxd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func seedModels(seeds []config.ModelSeed) []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(seeds))
	for _, s := range seeds {
		category := types.ModelCategory(s.Category)
		if category == "" {
			category = types.CategoryTextGeneration
		}
		m := types.ModelDescriptor{
			ID:           s.ID,
			Name:         s.Name,
			Category:     category,
			SourceURL:    s.Source,
			DownloadSize: s.SizeBytes,
			MemoryEstMB:  s.MemoryEstMB,
			Backends:     s.Backends,
			Format:       formatFor(s),
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if s.SHA256 != "" {
			m.Digests = []types.Digest{{Algo: types.DigestSHA256, Hex: s.SHA256}}
		}
		out = append(out, m)
	}
	return out
}

func formatFor(s config.ModelSeed) types.ModelFormat {
	name := s.Name
	if name == "" {
		name = path.Base(s.Source)
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".gguf":
		return types.FormatGGUF
	case ".onnx":
		return types.FormatONNX
	default:
		return types.FormatBin
	}
}
