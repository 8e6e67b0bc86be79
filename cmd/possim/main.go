// cmd/possim/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/pos-hal/internal/sim"
)

func main() {
	coinAddr := flag.String("coin", "127.0.0.1:56789", "coin dispenser listen address, empty to disable")
	scaleAddr := flag.String("scale", "127.0.0.1:56790", "scale listen address, empty to disable")
	counts := flag.String("counts", "20,20,20,20,20,20,20,20,20,20,20", "initial coin counts per tube")
	weight := flag.Int("weight", 0, "gross weight on the scale in grams")
	debug := flag.Bool("debug", false, "log every connection")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if *coinAddr != "" {
		tubes, err := parseCounts(*counts)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -counts")
		}
		c, err := sim.NewCoin(*coinAddr, tubes, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("coin simulator")
		}
		log.Info().Str("addr", c.Addr()).Msg("coin dispenser simulator listening")
		g.Go(func() error { return c.Serve(gctx) })
	}

	if *scaleAddr != "" {
		s, err := sim.NewScale(*scaleAddr, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("scale simulator")
		}
		s.Put(*weight)
		log.Info().Str("addr", s.Addr()).Int("weight", *weight).Msg("scale simulator listening")
		g.Go(func() error { return s.Serve(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}

func parseCounts(s string) ([sim.CoinSlots]int, error) {
	var out [sim.CoinSlots]int
	parts := strings.Split(s, ",")
	if len(parts) != sim.CoinSlots {
		return out, fmt.Errorf("want %d counts, got %d", sim.CoinSlots, len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}
