package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pyreposcan/pyreposcan/internal/blob"
	"github.com/pyreposcan/pyreposcan/internal/monitor"
	"github.com/pyreposcan/pyreposcan/internal/monitor/worker"
	"github.com/pyreposcan/pyreposcan/internal/registry"
	"github.com/pyreposcan/pyreposcan/internal/scanner"
	"github.com/pyreposcan/pyreposcan/internal/store/postgres"
	"github.com/pyreposcan/pyreposcan/internal/taint"
	"github.com/pyreposcan/pyreposcan/pkg/ctxlock"
)

// runMonitor implements the `monitor` subcommand: run the continuous
// bootstrap/incremental FSM until the process is signaled to stop.
func runMonitor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	g := addGlobalFlags(fs)

	register := fs.String("register", "pypi", "registry to monitor (only \"pypi\" is supported)")
	interval := fs.String("interval", "1h", "sleep interval between incremental ticks, e.g. 30s, 10m, 1h")
	postgresDSN := fs.String("postgres", "", "Postgres connection string (required)")
	minioHost := fs.String("minio_host", "", "MinIO/S3 endpoint host:port (required)")
	minioAccessKey := fs.String("minio_access_key", "", "MinIO/S3 access key (required)")
	minioSecretKey := fs.String("minio_secret_key", "", "MinIO/S3 secret key (required)")
	privatePath := fs.String("private", "", "file listing private-registry project names, one per line (dependency-confusion detection)")
	rulePath := fs.String("rule", "", "taint rule file or directory (required unless --analyze=-1)")
	fileRulePath := fs.String("file_rule", "", "file-selection rule file (defaults to setup.py/__init__.py)")
	fileType := fs.String("file_type", "*", "file type eligible for analysis: tgz, whl, or *")
	analyze := fs.Int("analyze", -1, "minimum suspicion score to trigger analysis, -1 disables analysis entirely, 0 analyzes every release")
	levenshtein := fs.Int("levenshtein_distance", 2, "Levenshtein distance threshold used by the typosquat heuristic")
	cover := fs.Bool("cover", false, "re-analyze artifacts that already have a stored result")

	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}

	if *register != "pypi" {
		fmt.Fprintf(os.Stderr, "monitor: --register must be \"pypi\", got %q\n", *register)
		return exitBadArgs
	}
	interv, err := parseInterval(*interval)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		return exitBadArgs
	}
	if *analyze < -1 || *analyze > 10 {
		fmt.Fprintf(os.Stderr, "monitor: --analyze must be in -1..10, got %d\n", *analyze)
		return exitBadArgs
	}
	switch *fileType {
	case "tgz", "whl", "*":
	default:
		fmt.Fprintf(os.Stderr, "monitor: --file_type must be tgz, whl, or *, got %q\n", *fileType)
		return exitBadArgs
	}
	if *postgresDSN == "" || *minioHost == "" || *minioAccessKey == "" || *minioSecretKey == "" {
		fmt.Fprintln(os.Stderr, "monitor: --postgres, --minio_host, --minio_access_key, and --minio_secret_key are required")
		return exitBadArgs
	}
	if *analyze != -1 && *rulePath == "" {
		fmt.Fprintln(os.Stderr, "monitor: --rule is required unless --analyze=-1")
		return exitBadArgs
	}

	log, err := g.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		return exitBadArgs
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error().Err(err).Msg("connecting to postgres")
		return exitScanFailure
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Error().Err(err).Msg("ensuring schema")
		return exitScanFailure
	}

	if *privatePath != "" {
		if err := loadPrivateNames(ctx, st, *privatePath); err != nil {
			log.Error().Err(err).Str("path", *privatePath).Msg("loading private names")
			return exitScanFailure
		}
	}

	blobStore, err := blob.NewStore(ctx, *minioHost, *minioAccessKey, *minioSecretKey, false)
	if err != nil {
		log.Error().Err(err).Msg("connecting to blob store")
		return exitScanFailure
	}

	fileRules, err := taint.LoadFileRules(log, *fileRulePath)
	if err != nil {
		log.Error().Err(err).Msg("loading file rules")
		return exitScanFailure
	}

	var sc *scanner.Scanner
	if *analyze != -1 {
		rules, err := taint.LoadRules(log, *rulePath)
		if err != nil {
			log.Error().Err(err).Msg("loading taint rules")
			return exitScanFailure
		}
		scratch, err := os.MkdirTemp("", "pyreposcan-monitor-")
		if err != nil {
			log.Error().Err(err).Msg("creating scratch directory")
			return exitScanFailure
		}
		defer os.RemoveAll(scratch)
		sc = scanner.New(rules, fileRules, scratch, log)
	}

	reg := registry.NewClient(&http.Client{Timeout: 30 * time.Second})
	lock := ctxlock.New(pool)

	cfg := monitor.Config{
		Interval:            interv,
		AnalyzeThreshold:    *analyze,
		FileType:            *fileType,
		LevenshteinDistance: *levenshtein,
		Cover:               *cover,
	}
	ctrl := monitor.New(st, reg, blobStore, sc, lock, cfg, log)

	scratchDir, err := os.MkdirTemp("", "pyreposcan-download-")
	if err != nil {
		log.Error().Err(err).Msg("creating download scratch directory")
		return exitScanFailure
	}
	defer os.RemoveAll(scratchDir)

	var wg sync.WaitGroup
	numWorkers := runtime.NumCPU()

	dl := &worker.Downloader{
		Queue:         ctrl.DownloadQueue,
		AnalysisQueue: ctrl.AnalysisQueue,
		Blob:          blobStore,
		HTTP:          &http.Client{Timeout: 5 * time.Minute},
		ScratchDir:    scratchDir,
		Config:        cfg,
		Log:           log,
	}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); dl.Run(ctx) }()
	}

	if sc != nil {
		an := &worker.Analyzer{
			Queue:   ctrl.AnalysisQueue,
			Store:   st,
			Scanner: sc,
			Cover:   *cover,
			Log:     log,
		}
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() { defer wg.Done(); an.Run(ctx) }()
		}
	} else {
		// No analysis configured: drain the analysis queue so a stray push
		// never blocks a downloader, then let it close with the others.
		go func() {
			for {
				if _, ok := ctrl.AnalysisQueue.Pop(); !ok {
					return
				}
			}
		}()
	}

	ctrl.Run(ctx)
	wg.Wait()
	return exitSuccess
}

// loadPrivateNames upserts every non-empty, non-comment line of path as a
// reserved private-registry project name.
func loadPrivateNames(ctx context.Context, st *postgres.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if err := st.UpsertPrivateName(ctx, name); err != nil {
			return fmt.Errorf("upserting %q: %w", name, err)
		}
	}
	return nil
}
