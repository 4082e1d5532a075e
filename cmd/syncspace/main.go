package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/syncspace/internal/crdt"
	"github.com/agentworkforce/syncspace/internal/syncspace"
)

type config struct {
	DataDir       string `yaml:"dataDir"`
	PeerID        string `yaml:"peerId"`
	LocalBackend  string `yaml:"localBackend"`
	DSN           string `yaml:"dsn"`
	ServerBaseURL string `yaml:"serverBaseUrl"`
	Token         string `yaml:"token"`
	AccountID     string `yaml:"accountId"`
	MaxBlobSize   int64  `yaml:"maxBlobSize"`
	LogLevel      string `yaml:"logLevel"`
}

func main() {
	var (
		configPath string
		cloud      bool
	)
	flags := pflag.NewFlagSet("syncspace", pflag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to yaml config")
	flags.BoolVar(&cloud, "cloud", false, "operate on the cloud flavour")
	cfg := config{}
	flags.StringVar(&cfg.DataDir, "data-dir", "", "local storage directory")
	flags.StringVar(&cfg.PeerID, "peer-id", "", "peer id for this device")
	flags.StringVar(&cfg.LocalBackend, "local-backend", "", "local backend name (memory, file, sqlite, postgres)")
	flags.StringVar(&cfg.DSN, "dsn", "", "database connection string for sqlite/postgres backends")
	flags.StringVar(&cfg.ServerBaseURL, "server-url", "", "cloud server base url")
	flags.StringVar(&cfg.Token, "token", "", "cloud access token")
	flags.StringVar(&cfg.AccountID, "account-id", "", "cloud account identity")
	flags.Int64Var(&cfg.MaxBlobSize, "max-blob-size", 0, "reject blobs larger than this many bytes (0 disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", "", "zerolog level")
	_ = flags.Parse(os.Args[1:])

	if configPath != "" {
		fileCfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		mergeConfig(&cfg, fileCfg, flags)
	}
	applyEnv(&cfg)
	fillDefaults(&cfg)

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cloud, flags.Args(), logger); err != nil {
		logger.Error().Err(err).Msg("syncspace failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// mergeConfig fills fields the flags left unset from the config file.
func mergeConfig(cfg *config, fileCfg config, flags *pflag.FlagSet) {
	if !flags.Changed("data-dir") && fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if !flags.Changed("peer-id") && fileCfg.PeerID != "" {
		cfg.PeerID = fileCfg.PeerID
	}
	if !flags.Changed("local-backend") && fileCfg.LocalBackend != "" {
		cfg.LocalBackend = fileCfg.LocalBackend
	}
	if !flags.Changed("dsn") && fileCfg.DSN != "" {
		cfg.DSN = fileCfg.DSN
	}
	if !flags.Changed("server-url") && fileCfg.ServerBaseURL != "" {
		cfg.ServerBaseURL = fileCfg.ServerBaseURL
	}
	if !flags.Changed("token") && fileCfg.Token != "" {
		cfg.Token = fileCfg.Token
	}
	if !flags.Changed("account-id") && fileCfg.AccountID != "" {
		cfg.AccountID = fileCfg.AccountID
	}
	if !flags.Changed("max-blob-size") && fileCfg.MaxBlobSize != 0 {
		cfg.MaxBlobSize = fileCfg.MaxBlobSize
	}
	if !flags.Changed("log-level") && fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
}

func applyEnv(cfg *config) {
	setIfEmpty(&cfg.DataDir, os.Getenv("SYNCSPACE_DATA_DIR"))
	setIfEmpty(&cfg.PeerID, os.Getenv("SYNCSPACE_PEER_ID"))
	setIfEmpty(&cfg.LocalBackend, os.Getenv("SYNCSPACE_LOCAL_BACKEND"))
	setIfEmpty(&cfg.DSN, os.Getenv("SYNCSPACE_DSN"))
	setIfEmpty(&cfg.ServerBaseURL, os.Getenv("SYNCSPACE_SERVER_URL"))
	setIfEmpty(&cfg.Token, os.Getenv("SYNCSPACE_TOKEN"))
	setIfEmpty(&cfg.AccountID, os.Getenv("SYNCSPACE_ACCOUNT_ID"))
	setIfEmpty(&cfg.LogLevel, os.Getenv("SYNCSPACE_LOG_LEVEL"))
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = strings.TrimSpace(value)
	}
}

func fillDefaults(cfg *config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".syncspace")
		} else {
			cfg.DataDir = ".syncspace"
		}
	}
	if cfg.PeerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "syncspace"
		}
		cfg.PeerID = host
	}
	if cfg.LocalBackend == "" {
		cfg.LocalBackend = backendFromDSN(cfg.DSN)
	}
}

// backendFromDSN picks the local tier from the connection string scheme.
func backendFromDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasSuffix(dsn, ".db"):
		return "sqlite"
	case dsn == "":
		return "file"
	default:
		return "file"
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config, cloud bool, args []string, logger zerolog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: syncspace [flags] <list|create|run|delete|transform> [workspace-id]")
	}

	registry, err := syncspace.NewRegistry(syncspace.RegistryOptions{
		MergeUpdates: crdt.MergeUpdates,
		Token:        cfg.Token,
		MaxBlobSize:  cfg.MaxBlobSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	state := syncspace.NewGlobalState(
		syncspace.NewFileKVStore(filepath.Join(cfg.DataDir, "state.json")),
		nil,
	)
	newCollection := func(rootGUID string) syncspace.DocCollection {
		return crdt.NewCollection(rootGUID)
	}

	local, err := syncspace.NewLocalProvider(syncspace.LocalProviderOptions{
		Registry:      registry,
		State:         state,
		PeerID:        cfg.PeerID,
		LocalBackend:  cfg.LocalBackend,
		DataDir:       cfg.DataDir,
		DSN:           cfg.DSN,
		NewCollection: newCollection,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	pool := syncspace.NewProviderPool()
	var cloudRef *syncspace.ProviderRef
	if cfg.ServerBaseURL != "" {
		cloudRef, err = pool.Acquire(cfg.ServerBaseURL, func() (syncspace.FlavourProvider, error) {
			return newCloudProvider(registry, state, cfg, newCollection, logger)
		})
		if err != nil {
			return err
		}
		defer cloudRef.Release()
	}

	provider := syncspace.FlavourProvider(local)
	if cloud {
		if cloudRef == nil {
			return fmt.Errorf("cloud operations need --server-url")
		}
		provider = cloudRef.Provider()
	}

	switch args[0] {
	case "list":
		return runList(ctx, os.Stdout, local, cloudRef)
	case "create":
		meta, err := provider.CreateWorkspace(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Println(meta.ID)
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: syncspace delete <workspace-id>")
		}
		return provider.DeleteWorkspace(ctx, args[1])
	case "run":
		if len(args) < 2 {
			return fmt.Errorf("usage: syncspace run <workspace-id>")
		}
		return runEngine(ctx, registry, provider, args[1], cfg.PeerID, newCollection, logger)
	case "transform":
		if len(args) < 2 {
			return fmt.Errorf("usage: syncspace transform <workspace-id>")
		}
		if cloudRef == nil {
			return fmt.Errorf("transform needs --server-url")
		}
		cloudProvider, ok := cloudRef.Provider().(*syncspace.CloudProvider)
		if !ok {
			return fmt.Errorf("%w: pooled provider is not a cloud provider", syncspace.ErrUnknownFlavour)
		}
		service, err := syncspace.NewTransformService(syncspace.TransformOptions{
			Local:  local,
			Cloud:  cloudProvider,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		meta, err := service.TransformToCloud(ctx, syncspace.WorkspaceMetadata{
			ID:      args[1],
			Flavour: syncspace.FlavourLocal,
		})
		if err != nil {
			return err
		}
		fmt.Println(meta.ID)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newCloudProvider(registry *syncspace.Registry, state *syncspace.GlobalState, cfg config, newCollection syncspace.CollectionFactory, logger zerolog.Logger) (*syncspace.CloudProvider, error) {
	transport := registry.TransportFor(syncspace.WorkspaceOptions{ServerBaseURL: cfg.ServerBaseURL})
	revalidator, err := syncspace.NewRevalidator(syncspace.RevalidatorOptions{
		Scope:  cfg.ServerBaseURL,
		State:  state,
		Fetch:  syncspace.FetchWorkspaceList(transport),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	revalidator.SetIdentity(cfg.AccountID)
	return syncspace.NewCloudProvider(syncspace.CloudProviderOptions{
		Registry:      registry,
		State:         state,
		PeerID:        cfg.PeerID,
		ServerID:      cfg.ServerBaseURL,
		ServerBaseURL: cfg.ServerBaseURL,
		LocalBackend:  cfg.LocalBackend,
		DataDir:       cfg.DataDir,
		DSN:           cfg.DSN,
		NewCollection: newCollection,
		Revalidator:   revalidator,
		Logger:        logger,
	})
}

func runList(ctx context.Context, out *os.File, local *syncspace.LocalProvider, cloudRef *syncspace.ProviderRef) error {
	locals, err := local.Workspaces(ctx)
	if err != nil {
		return err
	}
	for _, meta := range locals {
		fmt.Fprintf(out, "%s\t%s\n", meta.ID, meta.Flavour)
	}
	if cloudRef == nil {
		return nil
	}
	clouds, err := cloudRef.Provider().Workspaces(ctx)
	if err != nil {
		return err
	}
	for _, meta := range clouds {
		fmt.Fprintf(out, "%s\t%s\n", meta.ID, meta.Flavour)
	}
	return nil
}

func runEngine(ctx context.Context, registry *syncspace.Registry, provider syncspace.FlavourProvider, workspaceID, peerID string, newCollection syncspace.CollectionFactory, logger zerolog.Logger) error {
	engine, err := syncspace.NewWorkspaceEngine(syncspace.EngineOptions{
		Registry:   registry,
		Metadata:   syncspace.WorkspaceMetadata{ID: workspaceID, Flavour: provider.Flavour()},
		PeerID:     peerID,
		Collection: newCollection(workspaceID),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx, provider.EngineWorkerInitOptions(workspaceID)); err != nil {
		return err
	}
	state, err := engine.WaitForRoot(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Str("workspace", workspaceID).
		Str("state", state.State.String()).
		Msg("workspace ready")

	<-ctx.Done()
	return nil
}
