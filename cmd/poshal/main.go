// cmd/poshal/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/pos-hal/internal/claim"
	"github.com/tamzrod/pos-hal/internal/coin"
	"github.com/tamzrod/pos-hal/internal/config"
	"github.com/tamzrod/pos-hal/internal/console"
	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/feed"
	"github.com/tamzrod/pos-hal/internal/hardtotals"
	"github.com/tamzrod/pos-hal/internal/mirror"
	"github.com/tamzrod/pos-hal/internal/scale"
)

// releaser is implemented by every device kind.
type releaser interface {
	ID() string
	Release(owner claim.Owner) error
}

func main() {
	cfgPath := flag.String("config", "poshal.yaml", "path to the YAML config")
	interactive := flag.Bool("console", false, "run the operator console on stdin")
	owner := flag.String("owner", "console", "owner name used by the console")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validation failed")
	}
	config.Normalize(cfg)

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Sinks
	// --------------------

	bus := event.NewBus(event.Log{L: log.Logger})
	reg := claim.NewRegistry(bus)

	var srv *feed.Server
	if cfg.Feed.Listen != "" {
		srv = feed.New(reg, log.Logger)
		bus.Subscribe(srv.Hub())
	}

	var statusSink *mirror.StatusSink
	if cfg.Mirror != nil {
		statusSink, err = mirror.Build(cfg.Mirror, cfg.Devices, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("mirror build failed")
		}
		bus.Subscribe(statusSink)
	}

	// --------------------
	// Devices
	// --------------------

	var store *hardtotals.Store
	con := console.New(claim.Owner(*owner))
	var devices []releaser

	for _, d := range cfg.Devices {
		var dev interface {
			releaser
			Claim(ctx context.Context, owner claim.Owner, timeout time.Duration) error
		}

		switch d.Kind {
		case config.KindCoinDispenser:
			dev, err = coin.New(d, reg, bus, log.Logger)
		case config.KindScale:
			dev, err = scale.New(d, reg, bus, log.Logger)
		case config.KindHardTotals:
			if store == nil {
				if store, err = hardtotals.Open(cfg.Store.Path, log.Logger); err != nil {
					log.Fatal().Err(err).Msg("hard totals store open failed")
				}
				defer store.Close()
			}
			dev, err = store.Device(d, reg)
		}
		if err != nil {
			log.Fatal().Err(err).Str("device", d.ID).Msg("device build failed")
		}

		devices = append(devices, dev)
		if err := con.Add(dev); err != nil {
			log.Fatal().Err(err).Msg("console")
		}
		if srv != nil {
			if err := srv.Add(string(d.Kind), dev); err != nil {
				log.Fatal().Err(err).Msg("feed")
			}
		}
		log.Info().Str("device", d.ID).Str("kind", string(d.Kind)).Msg("device ready")
	}

	// --------------------
	// Run
	// --------------------

	g, gctx := errgroup.WithContext(ctx)

	if srv != nil {
		g.Go(func() error { return srv.Run(gctx, cfg.Feed.Listen) })
	}
	if statusSink != nil {
		g.Go(func() error { return statusSink.Run(gctx) })
	}
	if *interactive {
		g.Go(func() error {
			sh := con.Shell(gctx)
			go func() {
				<-gctx.Done()
				sh.Close()
			}()
			sh.Run()
			// leaving the shell ends the process
			stop()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("stopped with error")
	}

	// give up whatever the console still holds
	for _, d := range devices {
		if err := d.Release(claim.Owner(*owner)); err == nil {
			log.Info().Str("device", d.ID()).Msg("released on shutdown")
		}
	}
	log.Info().Msg("bye")
}
