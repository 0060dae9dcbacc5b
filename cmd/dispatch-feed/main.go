// Command dispatch-feed is a development bridge for the NATS backend. It plays
// a recording into an in-process store, publishes every resulting batch to
// JetStream and answers the monitor's delete commands against the same store,
// so cancellations show up as Removed batches like they would from a real
// bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/dispatch-monitor/internal/config"
	"github.com/signalsfoundry/dispatch-monitor/internal/feed"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

func main() {
	configPath := flag.String("config", "", "Path to the monitor's YAML config; supplies NATS settings and collection names")
	recording := flag.String("file", "", "Recording to play (JSONL wire batches, optionally .zst)")
	interval := flag.Duration("interval", time.Second, "Delay between recorded batches")
	natsURL := flag.String("nats", "", "Overrides feed.nats.url")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-feed: %v\n", err)
		os.Exit(2)
	}
	if *natsURL != "" {
		cfg.Feed.NATS.URL = *natsURL
	}
	if *recording == "" {
		*recording = cfg.Feed.Replay.Path
	}
	if *recording == "" {
		fmt.Fprintln(os.Stderr, "dispatch-feed: -file is required")
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.Feed.NATS.URL, nats.Name("dispatch-feed"))
	if err != nil {
		log.Error(ctx, "failed to connect to nats", logging.String("url", cfg.Feed.NATS.URL), logging.Err(err))
		os.Exit(1)
	}
	defer nc.Close()

	bridge, err := feed.NewNATS(nc, cfg.Feed.NATS.Stream, cfg.Feed.NATS.SubjectPrefix, log)
	if err == nil {
		err = bridge.EnsureStream(ctx)
	}
	if err != nil {
		log.Error(ctx, "failed to prepare stream", logging.Err(err))
		os.Exit(1)
	}

	mem := feed.NewMemory(log)
	defer mem.Close()

	collections := []string{cfg.Collections.Riders.Name, cfg.Collections.Customers.Name, cfg.Collections.Orders.Name}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay(ctx, mem, collections, bridge, log); err != nil {
			log.Error(ctx, "relay stopped", logging.Err(err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := bridge.ServeDeletes(ctx, mem.DeleteEntity); err != nil {
			log.Error(ctx, "delete responder stopped", logging.Err(err))
		}
	}()

	if err := play(ctx, mem, *recording, *interval, timectrl.Real{}); err != nil {
		log.Error(ctx, "playback failed", logging.String("path", *recording), logging.Err(err))
		stop()
	} else {
		log.Info(ctx, "playback finished; answering deletes until interrupted")
	}
	wg.Wait()
}

type publisher interface {
	Publish(ctx context.Context, b model.Batch) error
}

// relay forwards every batch the store produces for collections to pub until
// ctx ends. Empty batches, such as the initial snapshot of an empty store, are
// not published.
func relay(ctx context.Context, mem *feed.Memory, collections []string, pub publisher, log logging.Logger) error {
	type sub struct {
		name string
		ch   <-chan model.Batch
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := make([]sub, 0, len(collections))
	for _, name := range collections {
		ch, err := mem.Subscribe(ctx, name)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		subs = append(subs, sub{name: name, ch: ch})
	}

	errs := make(chan error, len(subs))
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s sub) {
			defer wg.Done()
			for b := range s.ch {
				if len(b.Changes) == 0 {
					continue
				}
				if err := pub.Publish(ctx, b); err != nil {
					if ctx.Err() == nil {
						errs <- err
						cancel()
					}
					return
				}
				log.Debug(ctx, "published batch", logging.Collection(s.name), logging.Int("changes", len(b.Changes)))
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// play applies a recording to mem, waiting interval on clock between batches.
func play(ctx context.Context, mem *feed.Memory, path string, interval time.Duration, clock timectrl.Clock) error {
	var batches []model.Batch
	if err := feed.ReadFile(path, func(_ int, b model.Batch) error {
		batches = append(batches, b)
		return nil
	}); err != nil {
		return err
	}
	for i, b := range batches {
		if i > 0 && interval > 0 {
			select {
			case <-clock.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := mem.Apply(b.Collection, b.Changes...); err != nil {
			return fmt.Errorf("apply batch %d: %w", i+1, err)
		}
	}
	return nil
}
