package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mail-and-packages/amazon"
	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/classify"
	"github.com/dhcgn/mail-and-packages/config"
	"github.com/dhcgn/mail-and-packages/imap"
	"github.com/dhcgn/mail-and-packages/informed"
	"github.com/dhcgn/mail-and-packages/mbox"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

// ErrMissingInput reports a derived sensor computed before one of its
// inputs. It aborts the run.
var ErrMissingInput = errors.New("sensor input missing")

// Opener connects to the mail store for one run.
type Opener func(ctx context.Context) (model.Store, error)

type Option func(*Runner)

// WithOpener replaces the IMAP/mbox connection.
func WithOpener(open Opener) Option {
	return func(r *Runner) { r.open = open }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithEncoder replaces the ffmpeg video encoder.
func WithEncoder(enc informed.Encoder) Option {
	return func(r *Runner) { r.encoder = enc }
}

// WithFetcher replaces the delivery photo downloader.
func WithFetcher(f amazon.Fetcher) Option {
	return func(r *Runner) { r.fetcher = f }
}

// Runner computes the configured sensors. Runs must not overlap.
type Runner struct {
	cfg       config.Config
	logger    *slog.Logger
	open      Opener
	now       func() time.Time
	encoder   informed.Encoder
	fetcher   amazon.Fetcher
	imageName string
}

// Result is the outcome of one run.
type Result struct {
	Values Values
	// Downloads are still running when Run returns.
	Downloads []<-chan error
	Stats     stats.Summary
	Duration  time.Duration
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if len(cfg.Resources) == 0 {
		return nil, fmt.Errorf("no sensors configured")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		encoder:   informed.FFmpeg{Path: cfg.FFmpegPath},
		imageName: informed.ImageName(cfg.ImageSecurity),
	}
	r.open = r.dial
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

// ImageName is the mail image file name used for every run of r.
func (r *Runner) ImageName() string {
	return r.imageName
}

func (r *Runner) dial(ctx context.Context) (model.Store, error) {
	if r.cfg.MboxPath != "" {
		return mbox.Open(r.cfg.MboxPath, r.logger)
	}
	return imap.Dial(ctx, imap.Options{
		Host:               r.cfg.IMAPHost,
		Port:               r.cfg.IMAPPort,
		Username:           r.cfg.IMAPUser,
		Password:           r.cfg.IMAPPass,
		UseTLS:             r.cfg.UseTLS,
		InsecureSkipVerify: r.cfg.InsecureSkipVerify,
	}, r.logger)
}

// Run opens one session, computes every configured sensor in order and
// closes the session. Only connection, authentication and ordering
// failures are returned; everything else degrades a single sensor.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	started := r.now()
	collector := stats.NewCollector()

	store, err := r.open(ctx)
	if err != nil {
		collector.Record(stats.Event{Stage: stats.StageRunner, Type: stats.EventTypeError, Err: err})
		r.logger.Error("connecting to mail store failed", "err", err)
		return Result{}, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("closing mail store failed", "err", err)
		}
	}()

	if err := store.SelectFolder(ctx, r.cfg.Folder); err != nil {
		r.logger.Warn("selecting folder failed, sensors will report zero", "folder", r.cfg.Folder, "err", err)
		collector.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
	}

	run := &run{
		Runner: r,
		env:    model.Env{Store: store, Logger: r.logger, Today: started, Stats: collector},
		values: make(Values),
	}
	for _, sensor := range r.cfg.Resources {
		if err := run.compute(ctx, sensor); err != nil {
			collector.Record(stats.Event{Stage: stats.StageRunner, Type: stats.EventTypeError, Sensor: sensor, Err: err})
			r.logger.Error("run aborted", "sensor", sensor, "err", err)
			return Result{}, err
		}
		collector.Record(stats.Event{Stage: stats.StageRunner, Type: stats.EventTypeSensor, Sensor: sensor})
		r.logger.Debug("sensor computed", "sensor", sensor, "value", run.values[sensor])
	}

	res := Result{
		Values:    run.values,
		Downloads: run.downloads,
		Stats:     collector.Snapshot(),
		Duration:  r.now().Sub(started),
	}
	r.logger.Info("run completed", append([]any{"duration", res.Duration}, res.Stats.LogAttrs()...)...)
	return res, nil
}

type run struct {
	*Runner
	env       model.Env
	values    Values
	downloads []<-chan error
	prepared  bool
}

func (r *run) compute(ctx context.Context, sensor string) error {
	carrier := catalog.Carrier(sensor)
	src := amazon.Sources{Domains: r.cfg.AmazonDomains, Forwards: r.cfg.AmazonForwards}

	switch catalog.KindOf(sensor) {
	case catalog.KindImage:
		r.prepare()
		r.values[sensor] = r.pipeline().Run(ctx, r.env)

	case catalog.KindAmazonOrders:
		orders := amazon.ScanOrders(ctx, r.env, src)
		r.values[sensor] = orders.Today
		r.values[catalog.AmazonOrder] = nonNil(orders.Numbers)

	case catalog.KindAmazonDelivered:
		r.prepare()
		delivered := amazon.ScanDelivered(ctx, r.env, src, r.photoFetcher())
		r.values[sensor] = delivered.Count
		if delivered.Download != nil {
			r.downloads = append(r.downloads, delivered.Download)
		}

	case catalog.KindAmazonHub:
		hub := amazon.ScanHub(ctx, r.env, src)
		r.values[sensor] = hub.Count
		r.values[catalog.AmazonHubCode] = nonNil(hub.Codes)

	case catalog.KindPackages:
		delivering, err := r.values.Int(carrier + catalog.SuffixDelivering)
		if err != nil {
			return err
		}
		delivered, err := r.values.Int(carrier + catalog.SuffixDelivered)
		if err != nil {
			return err
		}
		r.values[sensor] = delivering + delivered

	case catalog.KindDelivering:
		delivered, err := r.values.Int(carrier + catalog.SuffixDelivered)
		if err != nil {
			return err
		}
		rule, ok := catalog.Lookup(sensor)
		if !ok {
			r.unknown(sensor)
			return nil
		}
		res := classify.Count(ctx, r.env, rule, true)
		r.values[sensor] = max(0, res.Count-delivered)
		r.values[carrier+catalog.SuffixTracking] = nonNil(res.Tracking)

	case catalog.KindCarrier:
		rule, _ := catalog.Lookup(sensor)
		r.values[sensor] = classify.Count(ctx, r.env, rule, false).Count

	case catalog.KindTotalDelivered:
		r.values[sensor] = r.values.sum(catalog.SuffixDelivered)

	case catalog.KindTotalTransit:
		r.values[sensor] = max(0, r.values.sum(catalog.SuffixDelivering))

	case catalog.KindUpdated:
		r.values[sensor] = r.now().Format(catalog.UpdatedTimeLayout)

	default:
		r.unknown(sensor)
	}
	return nil
}

func (r *run) unknown(sensor string) {
	r.logger.Warn("unknown sensor, reporting zero", "sensor", sensor)
	r.values[sensor] = 0
}

// prepare clears the output directory once per run, before the first file
// is written into it.
func (r *run) prepare() {
	if r.prepared {
		return
	}
	r.prepared = true
	if err := r.pipeline().Prepare(); err != nil {
		r.logger.Error("preparing output directory failed", "dir", r.cfg.OutputDir, "err", err)
		r.env.Record(stats.Event{Stage: stats.StageImage, Type: stats.EventTypeError, Err: err})
	}
}

func (r *run) pipeline() informed.Pipeline {
	return informed.Pipeline{
		Dir:           r.cfg.OutputDir,
		Duration:      r.cfg.GIFDuration,
		ImageName:     r.imageName,
		GenerateVideo: r.cfg.GenerateMP4,
		Encoder:       r.encoder,
	}
}

func (r *run) photoFetcher() amazon.Fetcher {
	if r.fetcher != nil {
		return r.fetcher
	}
	return amazon.Downloader{Dir: r.cfg.OutputDir, Logger: r.logger, Stats: r.env.Stats}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
