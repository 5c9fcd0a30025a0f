package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/netgrant/pkg/access"
	"github.com/codelaboratoryltd/netgrant/pkg/arp"
	"github.com/codelaboratoryltd/netgrant/pkg/backend"
	"github.com/codelaboratoryltd/netgrant/pkg/coa"
	"github.com/codelaboratoryltd/netgrant/pkg/idp"
	"github.com/codelaboratoryltd/netgrant/pkg/metrics"
	"github.com/codelaboratoryltd/netgrant/pkg/session"
	syncer "github.com/codelaboratoryltd/netgrant/pkg/sync"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netgrant",
	Short: "Network access authorization and session lifecycle engine",
	Long: `netgrant - Captive portal enforcement core

Tracks authorized clients in Redis and enforces access through a
pluggable backend: a local packet filter set, RADIUS CoA against a
NAS, or an alias on a remote firewall. A periodic synchronizer
revokes clients whose identity session has ended.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the access engine",
	RunE:  runEngine,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single reconciliation cycle and exit",
	RunE:  runSyncOnce,
}

var (
	configFile string
	logLevel   string

	listenAddr  string
	metricsAddr string

	redisAddr     string
	redisPassword string
	redisDB       int

	backendName    string
	sessionTimeout time.Duration
	syncInterval   time.Duration
	devMode        bool

	// Packet filter backend
	nftPath  string
	nftTable string
	nftChain string
	nftSet   string

	// RADIUS CoA backend
	nasIP         string
	coaPort       int
	coaSecret     string
	coaSecretFile string
	coaTimeout    time.Duration

	// Firewall alias backend
	fwURL        string
	fwAPIKey     string
	fwAPISecret  string
	fwSecretFile string
	fwAlias      string
	fwInsecure   bool

	// Identity provider
	kcURL            string
	kcRealm          string
	kcClientID       string
	kcClientSecret   string
	kcSecretFile     string
	syncDisabled     bool
	clientInterface  string
	devResolverFlags bool
)

func init() {
	pf := runCmd.PersistentFlags()

	pf.StringVarP(&configFile, "config", "c", "/etc/netgrant/config.yaml",
		"Configuration file path")
	pf.StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	pf.StringVar(&listenAddr, "listen-addr", ":8080",
		"Control API listen address")
	pf.StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")

	pf.StringVar(&redisAddr, "redis-addr", "localhost:6379",
		"Redis server address")
	pf.StringVar(&redisPassword, "redis-password", "",
		"Redis password")
	pf.IntVar(&redisDB, "redis-db", 0,
		"Redis database number")

	pf.StringVar(&backendName, "backend", "packetfilter",
		"Authorization backend (packetfilter, radius_coa, firewall_alias)")
	pf.DurationVar(&sessionTimeout, "session-timeout", access.DefaultSessionTTL,
		"Authorized session lifetime")
	pf.DurationVar(&syncInterval, "sync-interval", syncer.DefaultInterval,
		"Interval between reconciliation cycles")
	pf.BoolVar(&devMode, "dev-mode", false,
		"Track sessions without enforcing (development only)")

	// Packet filter flags
	pf.StringVar(&nftPath, "nft-path", "nft",
		"Path to the nft binary")
	pf.StringVar(&nftTable, "nft-table", "inet",
		"Packet filter table holding the authorization set")
	pf.StringVar(&nftChain, "nft-chain", "filter",
		"Packet filter chain holding the authorization set")
	pf.StringVar(&nftSet, "nft-set", "allowed_macs",
		"Packet filter set of authorized MACs")

	// RADIUS CoA flags
	pf.StringVar(&nasIP, "nas-ip", "",
		"NAS address for CoA requests")
	pf.IntVar(&coaPort, "coa-port", coa.DefaultPort,
		"NAS CoA/Disconnect port")
	pf.StringVar(&coaSecret, "coa-secret", "",
		"RADIUS shared secret (DEPRECATED: visible in ps output, use --coa-secret-file instead)")
	pf.StringVar(&coaSecretFile, "coa-secret-file", "",
		"Path to file containing the RADIUS shared secret")
	pf.DurationVar(&coaTimeout, "coa-timeout", coa.DefaultTimeout,
		"CoA exchange timeout")

	// Firewall alias flags
	pf.StringVar(&fwURL, "firewall-url", "",
		"Firewall base URL for the alias backend")
	pf.StringVar(&fwAPIKey, "firewall-api-key", "",
		"Firewall API key")
	pf.StringVar(&fwAPISecret, "firewall-api-secret", "",
		"Firewall API secret (DEPRECATED: visible in ps output, use --firewall-secret-file instead)")
	pf.StringVar(&fwSecretFile, "firewall-secret-file", "",
		"Path to file containing the firewall API secret")
	pf.StringVar(&fwAlias, "firewall-alias", backend.DefaultAliasName,
		"Firewall alias holding authorized IPs")
	pf.BoolVar(&fwInsecure, "firewall-insecure", false,
		"Skip TLS verification towards the firewall")

	// Identity provider flags
	pf.StringVar(&kcURL, "keycloak-url", "",
		"Keycloak base URL (empty disables the synchronizer)")
	pf.StringVar(&kcRealm, "keycloak-realm", "",
		"Keycloak realm")
	pf.StringVar(&kcClientID, "keycloak-client-id", "",
		"Keycloak confidential client ID")
	pf.StringVar(&kcClientSecret, "keycloak-client-secret", "",
		"Keycloak client secret (DEPRECATED: visible in ps output, use --keycloak-secret-file instead)")
	pf.StringVar(&kcSecretFile, "keycloak-secret-file", "",
		"Path to file containing the Keycloak client secret")
	pf.BoolVar(&syncDisabled, "sync-disabled", false,
		"Disable the reconciliation loop")

	pf.StringVar(&clientInterface, "client-interface", "",
		"Interface whose neighbor table resolves client IPs to MACs")
	pf.BoolVar(&devResolverFlags, "dev-resolver", false,
		"Synthesize MACs from IPs instead of the kernel neighbor table")

	syncCmd.PersistentFlags().AddFlagSet(pf)
	rootCmd.AddCommand(runCmd, syncCmd, coaCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return err
	}

	logger.Info("Starting netgrant",
		zap.String("version", version),
		zap.String("backend", backendName),
		zap.Bool("dev_mode", devMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	client := goredis.NewClient(&goredis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", redisAddr, err)
	}

	store := session.NewStore(client, logger)

	m := metrics.New()

	be, err := buildBackend(m, logger)
	if err != nil {
		return err
	}

	controller := access.NewController(store, be, access.Config{
		SessionTTL: sessionTimeout,
		DevMode:    devMode,
	}, m, logger)

	resolver, err := buildResolver(logger)
	if err != nil {
		return err
	}

	// Metrics endpoint
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: m.Handler()}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	// Control API
	api := newAPIServer(controller, resolver, logger)
	apiSrv := &http.Server{Addr: listenAddr, Handler: api.routes()}
	go func() {
		logger.Info("Control API listening", zap.String("addr", listenAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Control API server failed", zap.Error(err))
			cancel()
		}
	}()
	defer apiSrv.Shutdown(context.Background())

	// Reconciliation loop
	if !syncDisabled && kcURL != "" {
		provider, err := buildIdentityProvider(logger)
		if err != nil {
			return err
		}
		s := syncer.New(store, provider, controller, syncer.Config{Interval: syncInterval}, m, logger)
		go func() {
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Synchronizer stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("Synchronizer disabled, stale sessions only age out by TTL")
	}

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return nil
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return err
	}

	if kcURL == "" {
		return fmt.Errorf("sync requires --keycloak-url")
	}

	ctx := context.Background()

	client := goredis.NewClient(&goredis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", redisAddr, err)
	}

	store := session.NewStore(client, logger)

	be, err := buildBackend(nil, logger)
	if err != nil {
		return err
	}

	controller := access.NewController(store, be, access.Config{
		SessionTTL: sessionTimeout,
		DevMode:    devMode,
	}, nil, logger)

	provider, err := buildIdentityProvider(logger)
	if err != nil {
		return err
	}

	s := syncer.New(store, provider, controller, syncer.Config{Interval: syncInterval}, nil, logger)

	revoked, swept, err := s.SyncOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Revoked %d session(s), swept %d expiry-less entr%s\n",
		revoked, swept, plural(swept, "y", "ies"))
	return nil
}

// buildBackend constructs the configured authorization backend. An unknown
// backend name is a configuration error, never a silent default.
func buildBackend(m *metrics.Metrics, logger *zap.Logger) (backend.Backend, error) {
	switch backendName {
	case "packetfilter":
		return backend.NewPacketFilter(backend.PacketFilterConfig{
			NFTPath: nftPath,
			Table:   nftTable,
			Chain:   nftChain,
			Set:     nftSet,
		}, logger), nil

	case "radius_coa":
		secret := resolveSecret(coaSecret, coaSecretFile, "coa-secret", "coa-secret-file", logger)
		client, err := coa.NewClient(coa.ClientConfig{
			NASIP:   nasIP,
			Port:    coaPort,
			Secret:  secret,
			Timeout: coaTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("radius_coa backend: %w", err)
		}
		return backend.NewRadiusCoA(client, m, logger), nil

	case "firewall_alias":
		secret := resolveSecret(fwAPISecret, fwSecretFile, "firewall-api-secret", "firewall-secret-file", logger)
		return backend.NewFirewallAlias(backend.FirewallAliasConfig{
			BaseURL:   fwURL,
			APIKey:    fwAPIKey,
			APISecret: secret,
			AliasName: fwAlias,
			Insecure:  fwInsecure,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown backend %q (want packetfilter, radius_coa or firewall_alias)", backendName)
	}
}

func buildResolver(logger *zap.Logger) (arp.Resolver, error) {
	if devResolverFlags || devMode {
		logger.Info("Using development MAC resolver")
		return arp.NewDevResolver(), nil
	}
	return arp.NewNeighborResolver(clientInterface)
}

func buildIdentityProvider(logger *zap.Logger) (idp.IdentityProvider, error) {
	secret := resolveSecret(kcClientSecret, kcSecretFile, "keycloak-client-secret", "keycloak-secret-file", logger)
	return idp.NewKeycloak(idp.KeycloakConfig{
		BaseURL:      kcURL,
		Realm:        kcRealm,
		ClientID:     kcClientID,
		ClientSecret: secret,
	}, logger)
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. When the direct flag is used,
// a deprecation warning is logged because CLI arguments are visible in
// process listings (ps output).
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
