// Command sharectl shares text, links and files from the command line the
// way a share extension would: it loads every attachment, optionally posts
// the result to the Redis outbox and exits with the share result.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/config"
	"github.com/toolink/share/coordinator"
	"github.com/toolink/share/events"
	"github.com/toolink/share/extension"
	"github.com/toolink/share/global"
	"github.com/toolink/share/logging"
	"github.com/toolink/share/outbox"
	"github.com/toolink/share/report"
)

// Exit codes.
const (
	exitFinished  = 0
	exitFailed    = 1
	exitCancelled = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	config  string
	envFile string
	to      string
	texts   []string
	urls    []string
	files   []string
	eager   bool
	preview bool
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("sharectl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.config, "config", "c", "", "config file (yaml, json or toml)")
	fs.StringVar(&f.envFile, "env-file", "", "load environment overrides from this .env file")
	fs.StringVar(&f.to, "to", "", "destination recorded on the posted share")
	fs.StringArrayVar(&f.texts, "text", nil, "share a text snippet (repeatable)")
	fs.StringArrayVar(&f.urls, "url", nil, "share a link (repeatable)")
	fs.StringArrayVar(&f.files, "file", nil, "share a local file (repeatable)")
	fs.BoolVar(&f.eager, "eager", false, "start loading before confirming (overrides coordinator.eager_load)")
	fs.BoolVar(&f.preview, "preview", false, "fetch link previews as images")
	err := fs.Parse(args)
	return f, err
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return exitFailed
	}

	var loadOpts []config.LoaderOption
	if f.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(f.envFile))
	}
	cfg, err := config.Load(f.config, loadOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "sharectl: %v\n", err)
		return exitFailed
	}
	if f.eager {
		cfg.Coordinator.EagerLoad = true
	}
	logging.Init(cfg.Log, stderr)

	lc := extension.NewLifecycle()
	rdb, err := registerComponents(lc, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to register components")
		return exitFailed
	}
	if err := lc.StartAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start")
		return exitFailed
	}
	defer func() {
		if err := lc.StopAll(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	items, err := buildItems(f)
	if err != nil {
		log.Error().Err(err).Msg("invalid attachment")
		return exitFailed
	}

	opts := []extension.Option{
		extension.WithEagerLoad(cfg.Coordinator.EagerLoad),
		extension.WithCoordinatorOptions(
			coordinator.WithConcurrency(cfg.Coordinator.Concurrency),
			coordinator.WithLoadTimeout(cfg.Coordinator.LoadTimeout),
			coordinator.WithTypePreference(cfg.Coordinator.TypePreference...),
		),
	}
	if cfg.Events.Backend == config.BackendNone {
		opts = append(opts, extension.WithoutEvents())
	}
	if cfg.Outbox.Enabled {
		opts = append(opts,
			extension.WithPoster(outbox.NewPublisher(rdb, cfg.Outbox.List,
				outbox.WithMaxLen(cfg.Outbox.MaxLen),
				outbox.WithDedupeTTL(cfg.Outbox.DedupeTTL),
				outbox.WithPostTimeout(cfg.Outbox.PostTimeout),
			)),
			extension.WithPostTimeout(cfg.Outbox.PostTimeout),
		)
	}

	m, err := extension.New(items, func(r report.Result) {
		log.Debug().Str("result", r.String()).Msg("host completion received")
	}, opts...)
	if err != nil {
		log.Error().Err(err).Msg("failed to create share")
		return exitFailed
	}

	ctrl := m.MainController()
	stopDismiss := context.AfterFunc(ctx, ctrl.Dismiss)
	defer stopDismiss()
	ctrl.Confirm(f.to)

	result, err := m.Wait(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("waiting for share failed")
		return exitFailed
	}
	if err := m.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("loads still running at exit")
	}

	summarize(stdout, m, result)
	switch result {
	case report.Finished:
		return exitFinished
	case report.Cancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// registerComponents wires Redis and the event bus into lc. The returned
// client is nil when no component needs Redis.
func registerComponents(lc *extension.Lifecycle, cfg config.Config) (*redis.Client, error) {
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(cfg.Redis.Options())
		err := lc.Register(extension.NewComponent("redis",
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			func(context.Context) error { return rdb.Close() },
		))
		if err != nil {
			return nil, err
		}
	}

	if cfg.Events.Backend == config.BackendNone {
		return rdb, nil
	}
	var bus *events.Broker
	err := lc.Register(extension.NewComponent("events",
		func(context.Context) error {
			if cfg.Events.Backend == config.BackendRedis {
				bus = events.NewBroker(events.WithRedisClient(rdb), events.WithChannel(cfg.Events.Channel))
			} else {
				bus = events.NewBroker()
			}
			global.SetBus(bus)
			return nil
		},
		func(context.Context) error {
			global.SetBus(nil)
			return bus.Close()
		},
	))
	return rdb, err
}

func buildItems(f flags) ([]coordinator.Item, error) {
	var items []coordinator.Item
	for _, s := range f.texts {
		items = append(items, coordinator.NewItem("", attachment.NewText("", s)))
	}
	for _, raw := range f.urls {
		var opts []attachment.URLOption
		if f.preview {
			opts = append(opts, attachment.WithPreview())
		}
		u, err := attachment.NewURL("", raw, opts...)
		if err != nil {
			return nil, err
		}
		items = append(items, coordinator.NewItem(raw, u))
	}
	for _, path := range f.files {
		items = append(items, coordinator.NewItem(path, attachment.NewFile("", path, nil)))
	}
	return items, nil
}

func summarize(w io.Writer, m *extension.Manager, result report.Result) {
	fmt.Fprintf(w, "session %s: %s\n", m.Session(), result)
	for _, st := range m.MainController().Attachments() {
		fmt.Fprintf(w, "  %-36s %-18s %s\n", st.ID, st.TypeID, st.State)
	}
	for _, group := range m.Payloads() {
		for _, p := range group.Payloads {
			fmt.Fprintf(w, "  loaded %s (%s, %d bytes)\n", p.AttachmentID, p.Kind, p.Size())
		}
	}
}
