package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/dgcart/internal/cache"
	"github.com/ligustah/dgcart/internal/cart"
	"github.com/ligustah/dgcart/internal/config"
	"github.com/ligustah/dgcart/internal/doi"
	"github.com/ligustah/dgcart/internal/fetch"
	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/progress"
	"github.com/ligustah/dgcart/internal/registry"
	"github.com/ligustah/dgcart/internal/report"
	"github.com/ligustah/dgcart/internal/retry"
	"github.com/ligustah/dgcart/internal/sizes"
)

// globalFlags override the configuration file and environment.
type globalFlags struct {
	configPath     string
	envFile        string
	facility       string
	session        string
	downloadAPIURL string
	apiURL         string
	idsURL         string
	doiMinterURL   string
	bucket         string
	bucketPrefix   string
	logLevel       string
	metricsAddr    string
}

// app holds everything shared by the sub-commands of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	cfg      config.Config
	log      zerolog.Logger
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
	client   *dghttp.Client
	cache    *cache.Cache
	reporter report.Reporter
	retry    retry.Retrier

	unauthorized atomic.Bool
	metricsSrv   *http.Server
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	var flags globalFlags
	a := &app{out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "dgcart",
		Short: "Download cart and download job client for the data gateway",
		Long: `dgcart manages the download cart of a data gateway facility: add and
remove investigations, datasets and datafiles, see their total size, submit
the cart as a download job, follow preparation progress and copy finished
archives into object storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(flags)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.StringVar(&flags.facility, "facility", "", "Facility name")
	pf.StringVar(&flags.session, "session", "", "Session id")
	pf.StringVar(&flags.downloadAPIURL, "download-api-url", "", "Download API base URL")
	pf.StringVar(&flags.apiURL, "api-url", "", "Data API base URL")
	pf.StringVar(&flags.idsURL, "ids-url", "", "IDS base URL")
	pf.StringVar(&flags.doiMinterURL, "doi-minter-url", "", "DOI minter base URL")
	pf.StringVar(&flags.bucket, "bucket", "", "Bucket URL for fetched archives (file://, mem://, s3://)")
	pf.StringVar(&flags.bucketPrefix, "bucket-prefix", "", "Object key prefix for fetched archives")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(
		newCartCmd(a),
		newDownloadsCmd(a),
		newAdminCmd(a),
		newWatchCmd(a),
		newFetchCmd(a),
		newDOICmd(a),
	)
	return root, a
}

func (a *app) setup(f globalFlags) error {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return &usageError{err: err}
	}

	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return &usageError{err: err}
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return &usageError{err: err}
	}
	cfg = cfg.Merge(config.Config{
		FacilityName:   f.facility,
		SessionID:      f.session,
		DownloadAPIURL: f.downloadAPIURL,
		APIURL:         f.apiURL,
		IDSURL:         f.idsURL,
		DOIMinterURL:   f.doiMinterURL,
		Bucket:         f.bucket,
		BucketPrefix:   f.bucketPrefix,
		LogLevel:       f.logLevel,
		MetricsAddr:    f.metricsAddr,
	})
	if err := cfg.Validate(); err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	a.log = zerolog.New(a.errOut).Level(level).With().
		Timestamp().
		Str("facility", cfg.FacilityName).
		Logger()

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector())
	a.metrics = metrics.New(a.reg)

	a.reporter = report.NewLogger(a.log, func(context.Context, error) {
		if a.unauthorized.CompareAndSwap(false, true) {
			a.log.Warn().Msg("session rejected, sign in again and update DGCART_SESSION_ID")
		}
	})

	opts := dghttp.DefaultOptions()
	opts.Timeout = cfg.HTTP.Timeout
	opts.Metrics = a.metrics
	a.client = dghttp.NewClient(opts, dghttp.StaticToken(cfg.SessionID))
	a.cache = cache.New()

	a.retry = retry.Retrier{
		Policy:     retry.Transient(cfg.Retry.Attempts),
		Backoff:    cfg.Retry.Backoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		OnRetry: func(attempt int, err error) {
			a.log.Debug().Int("attempt", attempt).Err(err).Msg("retrying")
		},
	}

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

func (a *app) close() {
	if a.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.metricsSrv.Shutdown(ctx)
}

func (a *app) cartStore() *cart.Store {
	return cart.NewStore(a.client, a.cache, a.reporter, cart.Options{
		DownloadAPIURL: a.cfg.DownloadAPIURL,
		IDSURL:         a.cfg.IDSURL,
		FacilityName:   a.cfg.FacilityName,
		Retry:          &a.retry,
		Metrics:        a.metrics,
	})
}

func (a *app) aggregator() *sizes.Aggregator {
	return sizes.New(a.client, a.cache, a.reporter, sizes.Options{
		APIURL:         a.cfg.APIURL,
		DownloadAPIURL: a.cfg.DownloadAPIURL,
		FacilityName:   a.cfg.FacilityName,
		MaxInFlight:    a.cfg.SizeConcurrency,
		Retry:          &a.retry,
		Metrics:        a.metrics,
	})
}

func (a *app) registry() *registry.Registry {
	return registry.New(a.client, a.cache, a.reporter, registry.Options{
		DownloadAPIURL: a.cfg.DownloadAPIURL,
		FacilityName:   a.cfg.FacilityName,
		PageSize:       a.cfg.PageSize,
		Retry:          &a.retry,
		Metrics:        a.metrics,
	})
}

func (a *app) poller() *progress.Poller {
	return progress.NewPoller(a.client, a.cfg.IDSURL, a.reporter, a.metrics)
}

// doiClient returns a minter client, or a usage error when no minter URL is
// configured.
func (a *app) doiClient() (*doi.Client, error) {
	if a.cfg.DOIMinterURL == "" {
		return nil, usagef("no DOI minter configured, set --doi-minter-url or DGCART_DOI_MINTER_URL")
	}
	return doi.New(a.client, a.reporter, doi.Options{
		MinterURL: a.cfg.DOIMinterURL,
		Retry:     &a.retry,
		Metrics:   a.metrics,
	}), nil
}

// openBucket opens the configured archive bucket. The caller closes it.
func (a *app) openBucket(ctx context.Context) (*blob.Bucket, error) {
	if a.cfg.Bucket == "" {
		return nil, usagef("no bucket configured, set --bucket or DGCART_BUCKET")
	}
	b, err := blob.OpenBucket(ctx, a.cfg.Bucket)
	if err != nil {
		return nil, &storageError{err: fmt.Errorf("open bucket: %w", err)}
	}
	return b, nil
}

func (a *app) fetcher(b *blob.Bucket, overwrite bool) *fetch.Fetcher {
	return fetch.New(a.client, b, a.reporter, fetch.Options{
		IDSURL:    a.cfg.IDSURL,
		Prefix:    a.cfg.BucketPrefix,
		Workers:   a.cfg.FetchWorkers,
		Overwrite: overwrite,
	})
}

// logf prints a human-readable progress line on stderr.
func (a *app) logf(format string, args ...any) {
	fmt.Fprintf(a.errOut, "[dgcart] "+format+"\n", args...)
}
