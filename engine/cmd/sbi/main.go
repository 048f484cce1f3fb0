package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/poolkeeper/sbi/engine/pkg/analytics"
	"github.com/poolkeeper/sbi/engine/pkg/chain"
	"github.com/poolkeeper/sbi/engine/pkg/clickhouse"
	"github.com/poolkeeper/sbi/engine/pkg/config"
	"github.com/poolkeeper/sbi/engine/pkg/cycle"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/notify"
	"github.com/poolkeeper/sbi/engine/pkg/server"
	"github.com/poolkeeper/sbi/engine/pkg/snapshot"
	"github.com/poolkeeper/sbi/engine/pkg/store"
	"github.com/poolkeeper/sbi/engine/pkg/store/fsstore"
	"github.com/poolkeeper/sbi/engine/pkg/store/pgstore"
	"github.com/poolkeeper/sbi/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	storeFile     = "file"
	storePostgres = "postgres"

	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load before reading the environment (ignored if missing)")

	stageFlag := flag.String("stage", string(cycle.StageAll), "stage to run: all, sync, accrue or payout")
	storeFlag := flag.String("store", storeFile, "state store: file or postgres")
	dataDirFlag := flag.String("data-dir", "", "directory holding the JSON documents and config.json (or set SBI_DATA_DIR env var)")
	accountFlag := flag.String("account", "", "pool account (or set SBI_ACCOUNT env var)")
	dryRunFlag := flag.Bool("dry-run", false, "simulate transfers without broadcasting (or set SBI_DRY_RUN=true env var)")
	excludeFlag := flag.StringSlice("exclude", nil, "additional contributors excluded from payouts (or set SBI_EXCLUDE env var)")
	endpointsFlag := flag.StringSlice("api-endpoints", nil, "ordered API endpoint list (or set SBI_API_ENDPOINTS env var)")

	verifyFlag := flag.Bool("verify", false, "verify the stored ledger replays to its recorded totals and exit")
	rebuildFlag := flag.Bool("rebuild", false, "discard the stored ledger and rebuild it from the first event")
	migrateFlag := flag.Bool("migrate", false, "apply database migrations and exit")

	intervalFlag := flag.Duration("interval", 0, "run a cycle every interval instead of once (0 = run once)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "status server address, used with --interval")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for the status server to shut down")
	rpcTimeoutFlag := flag.Duration("rpc-timeout", 30*time.Second, "timeout of a single API request")
	rpcRateFlag := flag.Float64("rpc-rate", 5, "maximum API requests per second per endpoint")

	flag.Parse()

	log := logger.New(*verboseFlag)

	env, err := config.LoadEnv(*envFileFlag)
	if err != nil {
		return err
	}
	// Flags win over the environment.
	if *dataDirFlag != "" {
		env.DataDir = *dataDirFlag
	}
	if *accountFlag != "" {
		env.Account = *accountFlag
	}
	if *dryRunFlag {
		env.DryRun = true
	}
	if len(*excludeFlag) > 0 {
		env.Exclude = append(env.Exclude, *excludeFlag...)
	}
	if len(*endpointsFlag) > 0 {
		env.APIEndpoints = *endpointsFlag
	}

	stage, err := cycle.ParseStage(*stageFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		return migrate(ctx, log, env)
	}

	if err := env.Validate(); err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	var alerter *notify.Sentry
	if env.SentryDSN != "" {
		alerter, err = notify.NewSentry(notify.SentryConfig{
			Logger:      log,
			DSN:         env.SentryDSN,
			Environment: env.SentryEnvironment,
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to create sentry client: %w", err)
		}
		defer alerter.Flush(5 * time.Second)
	}
	onCorrupt := func(doc string, err error) {
		if alerter != nil {
			alerter.Alert(fmt.Errorf("%s is corrupt and was treated as absent: %w", doc, err), map[string]string{"document": doc})
		}
	}

	pool, err := config.LoadPool(log, filepath.Join(env.DataDir, config.PoolFile), onCorrupt)
	if err != nil {
		return fmt.Errorf("failed to load pool config: %w", err)
	}
	if env.Recipient != "" {
		pool.Recipient = env.Recipient
	}
	exclusions := config.Exclusions(pool.ExcludedFromSBI, env.Exclude)
	log.Info("sbi: configuration loaded", "account", env.Account, "event_account", env.EventAccount(),
		"stage", string(stage), "store", *storeFlag, "dry_run", env.DryRun,
		"endpoints", env.APIEndpoints, "excluded", config.SortedKeys(exclusions))

	st, err := openStore(ctx, log, *storeFlag, env, onCorrupt)
	if err != nil {
		return err
	}
	defer st.Close()

	chainPool, err := newChainPool(log, env, *rpcTimeoutFlag, *rpcRateFlag)
	if err != nil {
		return err
	}
	var broadcaster chain.Broadcaster
	if env.ActiveKey != "" {
		broadcaster = chainPool
	} else if !env.DryRun && stage != cycle.StageSync && stage != cycle.StageAccrue {
		log.Warn("sbi: SBI_ACTIVE_KEY is not set, payouts will fail and balances are kept")
	}

	runnerCfg := cycle.RunnerConfig{
		Logger:       log,
		Store:        st,
		Source:       chainPool,
		Broadcaster:  broadcaster,
		Account:      env.Account,
		EventAccount: env.EventAccount(),
		Pool:         pool,
		Exclusions:   exclusions,
		DryRun:       env.DryRun,
		Rebuild:      *rebuildFlag,
	}
	if alerter != nil {
		runnerCfg.Alerter = alerter
	}
	if env.SlackWebhookURL != "" {
		slack, err := notify.NewSlack(notify.SlackConfig{Logger: log, WebhookURL: env.SlackWebhookURL})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
		runnerCfg.Notifier = slack
	}
	var paid server.PaidTotals
	if env.ClickHouseAddr != "" {
		ch, err := clickhouse.NewClient(ctx, clickhouseConfig(log, env))
		if err != nil {
			return fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		defer ch.Close()
		sink, err := analytics.NewSink(analytics.SinkConfig{Logger: log, ClickHouse: ch})
		if err != nil {
			return fmt.Errorf("failed to create analytics sink: %w", err)
		}
		runnerCfg.Analytics = sink
		paid = sink
	}
	if env.SnapshotBucket != "" {
		s3Client, err := snapshot.NewS3Client(ctx)
		if err != nil {
			return err
		}
		pub, err := snapshot.NewPublisher(snapshot.PublisherConfig{
			Logger: log,
			S3:     s3Client,
			Bucket: env.SnapshotBucket,
			Prefix: env.SnapshotPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create snapshot publisher: %w", err)
		}
		runnerCfg.Snapshots = pub
	}

	runner, err := cycle.NewRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to create cycle runner: %w", err)
	}

	if *verifyFlag {
		return runner.Verify(ctx)
	}

	if *intervalFlag <= 0 {
		_, err := runner.Run(ctx, stage)
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		State:           st,
		Paid:            paid,
		Ready:           runner.Ready,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		runner.Loop(gctx, stage, *intervalFlag)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("sbi: shutdown complete")
	return nil
}

func openStore(ctx context.Context, log *slog.Logger, kind string, env *config.Env, onCorrupt store.CorruptHandler) (store.Store, error) {
	switch kind {
	case storeFile:
		st, err := fsstore.NewStore(fsstore.StoreConfig{Logger: log, Dir: env.DataDir, OnCorrupt: onCorrupt})
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return st, nil
	case storePostgres:
		if env.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN is required for --store=postgres")
		}
		st, err := pgstore.NewStore(ctx, pgstore.StoreConfig{
			Logger:        log,
			DSN:           env.PostgresDSN,
			OnCorrupt:     onCorrupt,
			RunMigrations: env.PostgresRunMigrations,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want file or postgres)", kind)
	}
}

func newChainPool(log *slog.Logger, env *config.Env, timeout time.Duration, rps float64) (*chain.Pool, error) {
	var signer *chain.Signer
	if env.ActiveKey != "" {
		s, err := chain.NewSigner(env.ActiveKey, chain.HiveChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		signer = s
	}
	clients := make([]*chain.Client, 0, len(env.APIEndpoints))
	for _, ep := range env.APIEndpoints {
		c, err := chain.NewClient(chain.ClientConfig{
			Logger:    log,
			Endpoint:  ep,
			Timeout:   timeout,
			RateLimit: rate.Limit(rps),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create client for %s: %w", ep, err)
		}
		clients = append(clients, c)
	}
	p, err := chain.NewPool(chain.PoolConfig{Logger: log, Clients: clients, Signer: signer})
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint pool: %w", err)
	}
	return p, nil
}

func clickhouseConfig(log *slog.Logger, env *config.Env) clickhouse.ClientConfig {
	return clickhouse.ClientConfig{
		Logger:   log,
		Addr:     env.ClickHouseAddr,
		Database: env.ClickHouseDatabase,
		Username: env.ClickHouseUsername,
		Password: env.ClickHousePassword,
		Secure:   env.ClickHouseSecure,
	}
}

func migrate(ctx context.Context, log *slog.Logger, env *config.Env) error {
	if env.PostgresDSN == "" && env.ClickHouseAddr == "" {
		return errors.New("--migrate needs POSTGRES_DSN or CLICKHOUSE_ADDR_TCP")
	}
	if env.PostgresDSN != "" {
		if err := pgstore.Up(ctx, log, env.PostgresDSN); err != nil {
			return fmt.Errorf("failed to migrate postgres: %w", err)
		}
		log.Info("sbi: postgres migrations applied")
	}
	if env.ClickHouseAddr != "" {
		if err := clickhouse.Up(ctx, clickhouseConfig(log, env)); err != nil {
			return fmt.Errorf("failed to migrate clickhouse: %w", err)
		}
		log.Info("sbi: clickhouse migrations applied")
	}
	return nil
}
