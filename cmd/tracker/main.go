package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/clinicq/queuetrack/config"
	"github.com/clinicq/queuetrack/internal/models"
	"github.com/clinicq/queuetrack/internal/session"
	"github.com/clinicq/queuetrack/internal/store"
	pkgLog "github.com/clinicq/queuetrack/pkg/logger"
	"github.com/clinicq/queuetrack/pkg/util"
)

// staticLocator reports a fixed device position, for kiosks and testing.
type staticLocator struct {
	coords models.Coordinates
}

func (l staticLocator) Current(ctx context.Context) (models.Coordinates, error) {
	return l.coords, nil
}

func main() {
	clinicID := flag.String("clinic", "", "clinic id to join")
	lat := flag.Float64("lat", 0, "device latitude")
	lng := flag.Float64("lng", 0, "device longitude")
	mode := flag.String("mode", "", "travel mode (driving|walking|transit|bicycling)")
	flag.Parse()

	if *clinicID == "" {
		fmt.Fprintln(os.Stderr, "usage: tracker -clinic <id> [-lat <deg> -lng <deg>] [-mode <travel-mode>]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	var locator store.Locator
	var loc *models.Coordinates
	if *lat != 0 || *lng != 0 {
		coords := models.Coordinates{Latitude: *lat, Longitude: *lng}
		locator = staticLocator{coords: coords}
		loc = &coords
	}

	sess, err := session.New(ctx, cfg, locator, l)
	if err != nil {
		l.Fatalf(ctx, "Failed to start session: %v", err)
	}
	defer sess.Close()

	entry := sess.Store.Active()
	if entry == nil {
		entry, err = sess.Store.JoinQueue(ctx, models.JoinRequest{
			ClinicID: *clinicID,
			Location: loc,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to join queue: %v", err)
		}
	}
	fmt.Printf("In queue %s: position %d of %d, ~%d min wait\n",
		entry.ID, entry.Position, entry.TotalInQueue, entry.EstimatedWaitTime)

	if *mode != "" {
		if err := sess.Store.SetTravelMode(ctx, models.TravelMode(*mode)); err != nil {
			l.Warnf(ctx, "Travel estimate unavailable: %v", err)
		}
	}

	snapshots, unsubscribe := sess.Store.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case snap, ok := <-snapshots:
				if !ok {
					return nil
				}
				printSnapshot(snap)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case n, ok := <-sess.Store.Notifications():
				if !ok {
					return nil
				}
				fmt.Printf("[%s] %s: %s\n", util.FormatClock(n.SentAt), n.Title, n.Message)
			}
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("Leaving queue...")
	if err := sess.Store.LeaveQueue(ctx, "user_left"); err != nil {
		l.Warnf(ctx, "Leave command failed: %v", err)
	}

	cancel()
	_ = g.Wait()
	l.Info(ctx, "tracker exited")
}

func printSnapshot(snap store.Snapshot) {
	switch {
	case snap.Err != nil:
		fmt.Printf("! %v\n", snap.Err)
	case snap.Entry == nil:
		fmt.Println("No active queue entry")
	default:
		e := snap.Entry
		line := fmt.Sprintf("%s | position %d/%d | ~%d min",
			e.Status, e.Position, e.TotalInQueue, e.EstimatedWaitTime)
		if e.TravelInfo != nil {
			line += fmt.Sprintf(" | leave by %s (%s, %d min)",
				util.FormatClock(e.TravelInfo.LeaveTime), e.TravelInfo.Mode, e.TravelInfo.DurationMin)
		}
		if snap.PendingStatus != nil {
			line += " (awaiting confirmation)"
		}
		fmt.Println(line)
	}
}
