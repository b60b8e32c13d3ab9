package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/franksops/panshift/config"
	"github.com/franksops/panshift/engine"
	"github.com/franksops/panshift/provider"
	"github.com/franksops/panshift/secret"
	"github.com/franksops/panshift/store"
	"github.com/franksops/panshift/ui"
)

const (
	// uploadGranularity is the unit every non-final upload range must be a
	// multiple of.
	uploadGranularity = 320 * 1024
	defaultLedgerPath = "./.panshift/ledger.db"
)

type options struct {
	key            string
	sourceDir      string
	recursive      bool
	destRoot       string
	include        string
	exclude        string
	pageSize       int
	chunkSize      int64
	concurrency    int
	queueSize      int
	rangeAttempts  int
	httpRetries    int
	requestTimeout time.Duration
	timeout        time.Duration
	failurePause   time.Duration
	maxFailures    int
	maxAttempts    int
	state          string
	ledger         string
	tui            bool
	statusAddr     string
	logLevel       string
	logFile        string
	startDelay     time.Duration
	report         bool
}

func main() {
	os.Exit(run())
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.key, "key", "", "Search keyword for source files (required)")
	flag.StringVar(&o.sourceDir, "source-dir", "/", "Source directory to search")
	flag.BoolVar(&o.recursive, "recursive", true, "Search sub-directories")
	flag.StringVar(&o.destRoot, "dest-root", "", "Destination folder prepended to every source path")
	flag.StringVar(&o.include, "include", "", "Comma-separated glob patterns a source path must match")
	flag.StringVar(&o.exclude, "exclude", "", "Comma-separated glob patterns that skip a source path")
	flag.IntVar(&o.pageSize, "page-size", provider.DefaultSearchPageSize, "Search results per page")
	flag.Int64Var(&o.chunkSize, "chunk-size", engine.DefaultChunkSize, "Range size in bytes (multiple of 327680)")
	flag.IntVar(&o.concurrency, "concurrency", 3, "Concurrent range downloads per batch")
	flag.IntVar(&o.queueSize, "queue", 3, "Ranges buffered between download and upload")
	flag.IntVar(&o.rangeAttempts, "range-attempts", 3, "Attempts per range for short or broken bodies")
	flag.IntVar(&o.httpRetries, "http-retries", 4, "Transport retries for 5xx, 429 and connection errors")
	flag.DurationVar(&o.requestTimeout, "request-timeout", 5*time.Minute, "Timeout for a single HTTP request")
	flag.DurationVar(&o.timeout, "timeout", 5*time.Hour, "Stop at a range boundary after this long (0 disables)")
	flag.DurationVar(&o.failurePause, "failure-pause", 30*time.Second, "Wait after a transient failure")
	flag.IntVar(&o.maxFailures, "max-failures", 5, "Consecutive transient failures that end the run")
	flag.IntVar(&o.maxAttempts, "max-attempts", 3, "Permanent failures before a file is skipped")
	flag.StringVar(&o.state, "state", "drive", "Resume state location: drive[:/dir], file://dir, bolt://path, s3://bucket/prefix, minio://endpoint/bucket/prefix")
	flag.StringVar(&o.ledger, "ledger", defaultLedgerPath, "bbolt file recording per-file outcomes (empty disables)")
	flag.BoolVar(&o.tui, "tui", true, "Enable TUI when stdout is a terminal")
	flag.StringVar(&o.statusAddr, "status-addr", "", "Serve JSON status on this address, e.g. :8080")
	flag.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&o.logFile, "log-file", "", "Write logs to this file instead of stderr")
	flag.DurationVar(&o.startDelay, "start-delay", 0, "Wait before starting, to stagger scheduled runs")
	flag.BoolVar(&o.report, "report", false, "List failed and skipped files from the ledger and exit")
	flag.Parse()
	return o
}

func usage() {
	fmt.Println("Usage: panshift -key <keyword> [options]")
	fmt.Println("\nCredentials are read from the environment (GRAPH_*, BAIDU_*, REFRESH_TOKEN_KEY).")
	fmt.Println("\nOptions:")
	flag.PrintDefaults()
	fmt.Println("\nExamples:")
	fmt.Println("  panshift -key .mp4 -source-dir /videos -dest-root /backup")
	fmt.Println("  panshift -key report -state bolt://./.panshift/ledger.db -status-addr :8080")
	fmt.Println("  panshift -report")
}

func run() int {
	o := parseFlags()
	if o.report {
		return report(o.ledger)
	}
	if o.key == "" {
		usage()
		return 2
	}
	if o.chunkSize <= 0 || o.chunkSize%uploadGranularity != 0 {
		fmt.Fprintf(os.Stderr, "-chunk-size must be a positive multiple of %d\n", uploadGranularity)
		return 2
	}

	useTUI := o.tui && isatty.IsTerminal(os.Stdout.Fd())
	logger, closeLog, err := newLogger(o, useTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if o.startDelay > 0 {
		logger.Info("delaying start", "delay", o.startDelay)
		if err := delayStart(ctx, o.startDelay); err != nil {
			logger.Info("interrupted before start", "error", err)
			return 0
		}
	}

	var ledger *store.BoltStore
	if o.ledger != "" {
		if err := os.MkdirAll(filepath.Dir(o.ledger), 0755); err != nil {
			logger.Error("failed to create ledger directory", "error", err)
			return 1
		}
		if ledger, err = store.NewBoltStore(o.ledger); err != nil {
			logger.Error("failed to open ledger", "path", o.ledger, "error", err)
			return 1
		}
		defer ledger.Close()
	}

	httpClient := &http.Client{Timeout: o.requestTimeout}
	clientOpts := []provider.ClientOption{
		provider.WithRetry(o.httpRetries, time.Second, 30*time.Second),
		provider.WithHTTPClient(httpClient),
		provider.WithLogger(logger),
	}

	creds := provider.GraphCredentials(cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.Secret)
	if cfg.Graph.TokenURL != "" {
		creds.TokenURL = cfg.Graph.TokenURL
	}
	graphClient := provider.NewGraphClient(cfg.Graph.Host, provider.NewClientCredentialsTokens(creds, nil), clientOpts...)
	graph, err := provider.OpenGraph(ctx, graphClient, cfg.Graph.UserID)
	if err != nil {
		logger.Error("failed to open destination drive", "error", err)
		return 1
	}

	docs, closeDocs, err := store.OpenDocuments(ctx, o.state, store.Backends{
		Drive:      graph,
		Ledger:     ledger,
		LedgerPath: o.ledger,
		Minio: store.MinioConfig{
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
		},
	})
	if err != nil {
		logger.Error("failed to open state location", "state", o.state, "error", err)
		return 1
	}
	defer closeDocs()

	refreshToken, onRotate, err := refreshTokenSource(ctx, cfg, docs, logger)
	if err != nil {
		logger.Error("failed to load source credentials", "error", err)
		return 1
	}
	baiduTokens := provider.NewRefreshTokens(
		provider.BaiduOAuthConfig(cfg.Baidu.ClientID, cfg.Baidu.ClientSecret, cfg.Baidu.TokenURL),
		refreshToken, onRotate, nil)
	baidu := provider.NewBaidu(provider.NewBaiduClient(cfg.Baidu.Host, baiduTokens, clientOpts...))

	cp, err := engine.OpenCheckpoint(ctx, store.NewResumeStore(docs))
	if err != nil {
		logger.Error("failed to load resume state", "error", err)
		return 1
	}
	catalog, err := engine.NewWorkCatalog(baidu, cp, engine.CatalogConfig{
		Key:       o.key,
		Dir:       o.sourceDir,
		Recursive: o.recursive,
		PageSize:  o.pageSize,
		DestRoot:  o.destRoot,
		Include:   splitList(o.include),
		Exclude:   splitList(o.exclude),
	}, logger)
	if err != nil {
		logger.Error("invalid file filter", "error", err)
		return 2
	}

	pool := engine.NewBufferPool(int(o.chunkSize))
	reader := engine.NewSourceReader(baidu, pool, engine.ReaderConfig{
		ChunkSize:     o.chunkSize,
		Concurrency:   o.concurrency,
		RangeAttempts: o.rangeAttempts,
		RetryWait:     2 * time.Second,
	}, logger)

	pipeCfg := engine.Config{
		QueueSize:    o.queueSize,
		FailurePause: o.failurePause,
		MaxFailures:  o.maxFailures,
		MaxAttempts:  o.maxAttempts,
	}
	if o.timeout > 0 {
		pipeCfg.Deadline = time.Now().Add(o.timeout)
	}

	state := ui.NewUIState(runID)
	opts := []engine.Option{engine.WithObserver(state), engine.WithRunID(runID)}
	if ledger != nil {
		opts = append(opts, engine.WithLedger(engine.NewJobTracker(ledger, engine.DefaultCheckpointConfig, runID)))
	}
	pipeline := engine.NewPipeline(cp, catalog, reader, engine.NewSessionManager(graph, logger), graph,
		pipeCfg, logger, opts...)

	if o.statusAddr != "" {
		go func() {
			if err := ui.ServeStatus(ctx, o.statusAddr, ui.NewStatusRouter(state, logger), logger); err != nil {
				logger.Error("status endpoint failed", "error", err)
			}
		}()
	}

	// Handle signals: the first stops at a range boundary, the second aborts.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			logger.Info("stopping after the current range", "signal", sig.String())
			pipeline.Stop()
		}
		select {
		case <-ctx.Done():
		case sig := <-sigChan:
			logger.Warn("aborting", "signal", sig.String())
			cancel()
		}
	}()

	logger.Info("run starting", "key", o.key, "source_dir", o.sourceDir, "state", o.state,
		"chunk_size", units.BytesSize(float64(o.chunkSize)), "deadline", pipeCfg.Deadline)

	done := make(chan runResult, 1)
	go func() {
		s, err := pipeline.Run(ctx)
		done <- runResult{s, err}
	}()

	var res runResult
	if useTUI {
		res = runTUI(ctx, state, pipeline, done, logger)
	} else {
		res = <-done
	}

	if res.summary != nil {
		fmt.Printf("\nrun %s: %d completed, %d requeued, %d skipped, %s uploaded in %s\n",
			runID, res.summary.Completed, res.summary.Requeued, res.summary.Skipped,
			units.BytesSize(float64(res.summary.Bytes)), res.summary.Duration.Round(time.Second))
	}
	if res.err != nil {
		logger.Error("run failed", "kind", engine.KindOf(res.err).String(), "error", res.err)
		return 1
	}
	return 0
}

// delayStart waits for d. SIGINT or SIGTERM during the wait end it early.
func delayStart(ctx context.Context, d time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type runResult struct {
	summary *engine.Summary
	err     error
}

func runTUI(ctx context.Context, state *ui.UIState, pipeline *engine.Pipeline, done <-chan runResult, logger *slog.Logger) runResult {
	program := tea.NewProgram(ui.NewTUIModel(state.Snapshot(), pipeline.Stop), tea.WithAltScreen())

	// Start TUI update loop
	tuiCtx, stopUpdates := context.WithCancel(ctx)
	defer stopUpdates()
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tuiCtx.Done():
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{Status: state.Snapshot()})
			}
		}
	}()

	out := make(chan runResult, 1)
	go func() {
		res := <-done
		out <- res
		program.Send(ui.TUIUpdateMsg{Status: state.Snapshot()})
		time.Sleep(200 * time.Millisecond)
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		logger.Warn("TUI exited", "error", err)
		pipeline.Stop()
	}
	return <-out
}

func newLogger(o *options, useTUI bool) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid -log-level %q: %w", o.logLevel, err)
	}

	var w io.Writer = os.Stderr
	closeFn := func() error { return nil }
	path := o.logFile
	if path == "" && useTUI {
		// the alt screen owns the terminal
		dir := os.TempDir()
		if o.ledger != "" {
			dir = filepath.Dir(o.ledger)
		}
		path = filepath.Join(dir, "panshift.log")
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		w, closeFn = f, f.Close
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// refreshTokenSource returns the refresh token to start from and, when a key
// is configured, a hook that seals every rotated token into the state
// location. A sealed token wins over the environment.
func refreshTokenSource(ctx context.Context, cfg *config.Config, docs store.Documents, logger *slog.Logger) (string, provider.RotateFunc, error) {
	if !cfg.Secret.Enabled() {
		logger.Warn("REFRESH_TOKEN_KEY not set, rotated refresh tokens will not be kept")
		return cfg.Baidu.RefreshToken, nil, nil
	}

	vault, err := secret.NewVault(docs, store.DocRefreshToken, []byte(cfg.Secret.Key), []byte(cfg.Secret.AssociatedData))
	if err != nil {
		return "", nil, err
	}
	token, err := vault.Load(ctx)
	switch {
	case errors.Is(err, secret.ErrNoSecret):
		if cfg.Baidu.RefreshToken == "" {
			return "", nil, config.ErrNoRefreshToken
		}
		token = cfg.Baidu.RefreshToken
	case err != nil:
		return "", nil, err
	default:
		logger.Info("using sealed refresh token", "document", store.DocRefreshToken)
	}

	rotate := func(ctx context.Context, refreshToken string) error {
		if err := vault.Store(ctx, refreshToken); err != nil {
			return err
		}
		logger.Info("refresh token rotated and sealed")
		return nil
	}
	return token, rotate, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func report(ledgerPath string) int {
	if ledgerPath == "" {
		fmt.Fprintln(os.Stderr, "-report needs -ledger")
		return 2
	}
	db, err := store.NewBoltStore(ledgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ledger: %v\n", err)
		return 1
	}
	defer db.Close()

	jobs, err := engine.NewJobTracker(db, engine.DefaultCheckpointConfig, "").Failed()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read ledger: %v\n", err)
		return 1
	}
	if len(jobs) == 0 {
		fmt.Println("No failed or skipped files.")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tID\tSIZE\tATTEMPTS\tUPDATED\tPATH\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", j.State, j.ID, units.BytesSize(float64(j.TotalBytes)),
			j.Attempts, j.UpdatedAt.Format(time.RFC3339), j.SourcePath, j.Error)
	}
	tw.Flush()
	return 0
}
