package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/ble/profile"
	"github.com/chaz8081/sensorscope/internal/config"
	"github.com/chaz8081/sensorscope/internal/connmgr"
	"github.com/chaz8081/sensorscope/internal/device"
	"github.com/chaz8081/sensorscope/internal/pairing"
	"github.com/chaz8081/sensorscope/internal/publish"
	"github.com/chaz8081/sensorscope/internal/recording"
	"github.com/chaz8081/sensorscope/internal/spectro"
	"github.com/chaz8081/sensorscope/internal/telemetry"
)

// session bundles the components shared by every BLE command.
type session struct {
	profile  *profile.Profile
	registry *device.Registry
	store    *pairing.FileStore
	manager  *connmgr.Manager
}

func managerOptions(cfg *config.Config, logger *slog.Logger) connmgr.Options {
	return connmgr.Options{
		ValidationTimeout:  cfg.BLE.ValidationTimeout,
		AutoConnectPaired:  cfg.BLE.AutoConnectPaired,
		ValidateDiscovered: cfg.BLE.ValidateDiscovered,
		RequireProperties:  cfg.BLE.RequireProperties,
		Reconnect:          cfg.BLE.Reconnect,
		ReconnectMax:       cfg.BLE.ReconnectMax,
		MaxWriteBytes:      cfg.BLE.MaxWriteBytes,
		Logger:             logger,
	}
}

func newSession(cfg *config.Config, logger *slog.Logger, opts connmgr.Options) (*session, error) {
	store, err := pairing.OpenFile(cfg.Pairing.Path, nil)
	if err != nil {
		return nil, err
	}

	transport := ble.NewTinyGoTransport(logger)
	if err := transport.Enable(); err != nil {
		return nil, err
	}

	p := profile.Default()
	registry := device.NewRegistry(nil)
	return &session{
		profile:  p,
		registry: registry,
		store:    store,
		manager:  connmgr.NewManager(transport, registry, p, store, nil, opts),
	}, nil
}

// runScan lists devices advertising the profile for the configured scan
// window. Nothing is connected.
func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := managerOptions(cfg, logger)
	opts.AutoConnectPaired = false
	opts.ValidateDiscovered = false
	s, err := newSession(cfg, logger, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BLE.ScanTimeout)
	defer cancel()

	logger.Info("[BLE] scanning", "timeout", cfg.BLE.ScanTimeout)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.manager.Run(gctx) })
	g.Go(func() error { return s.manager.Scan(gctx) })
	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}

	devices := s.registry.Snapshot()
	if len(devices) == 0 {
		fmt.Println("No sensors found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI\tPAIRED")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", d.ID, d.Name, d.RSSI, d.Paired)
	}
	return w.Flush()
}

// runPair opens a validation-only connection to id and reports the verdict.
// A passing device is persisted by the manager through the pairing store.
func runPair(ctx context.Context, cfg *config.Config, logger *slog.Logger, arg string) error {
	opts := managerOptions(cfg, logger)
	opts.AutoConnectPaired = false
	opts.ValidateDiscovered = false
	opts.Reconnect = false
	s, err := newSession(cfg, logger, opts)
	if err != nil {
		return err
	}
	id := ble.DeviceID(arg)

	updates, unsubscribe := s.registry.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, cfg.BLE.ValidationTimeout+5*time.Second)
	defer cancel()

	var verdict device.Device
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.manager.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		if err := s.manager.Probe(id); err != nil {
			return err
		}
		d, err := awaitVerdict(gctx, updates, id)
		verdict = d
		return err
	})
	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}

	switch {
	case s.store.IsPaired(id):
		fmt.Printf("Paired %s (%s). Stored in %s\n", id, verdict.Name, s.store.Path())
		return nil
	case verdict.Reason != "":
		return fmt.Errorf("pair %s: validation failed: %s", id, verdict.Reason)
	default:
		return fmt.Errorf("pair %s: no verdict within %s", id, cfg.BLE.ValidationTimeout)
	}
}

// awaitVerdict waits until id's probe has reached a verdict and its link is
// closed again. The returned snapshot carries the failure reason, if any.
func awaitVerdict(ctx context.Context, updates <-chan device.Device, id ble.DeviceID) (device.Device, error) {
	var last device.Device
	decided := false
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case d, ok := <-updates:
			if !ok {
				return last, errors.New("registry closed")
			}
			if d.ID != id {
				continue
			}
			switch d.State {
			case device.StateValidated, device.StateValidationFailed:
				decided = true
				last = d
			case device.StateDisconnected:
				if decided {
					if d.Reason != "" {
						last.Reason = d.Reason
					}
					return last, nil
				}
			}
		}
	}
}

func runUnpair(cfg *config.Config, arg string) error {
	store, err := pairing.OpenFile(cfg.Pairing.Path, nil)
	if err != nil {
		return err
	}
	if err := store.Unpair(ble.DeviceID(arg)); err != nil {
		return err
	}
	fmt.Println("Unpaired", arg)
	return nil
}

func runPaired(cfg *config.Config) error {
	store, err := pairing.OpenFile(cfg.Pairing.Path, nil)
	if err != nil {
		return err
	}
	entries := store.Entries()
	if len(entries) == 0 {
		fmt.Println("No paired sensors.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAIRED AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.ID, e.PairedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// runStream connects to id, or to every paired sensor when id is empty, and
// runs telemetry until ctx is cancelled.
func runStream(ctx context.Context, cfg *config.Config, logger *slog.Logger, id string) error {
	s, err := newSession(cfg, logger, managerOptions(cfg, logger))
	if err != nil {
		return err
	}

	stream, ok := s.profile.StreamCharacteristic()
	if !ok {
		return errors.New("profile has no stream characteristic")
	}

	hubOpts := telemetry.Options{
		Pipeline: spectro.PipelineOptions{
			Spectrogram: spectro.Options{
				WindowSize: cfg.Spectrogram.WindowSize,
				HopSize:    cfg.Spectrogram.HopSize,
				FFTSize:    cfg.Spectrogram.FFTSize,
				MaxFrames:  cfg.Spectrogram.MaxFrames,
			},
			LogSize: cfg.Spectrogram.LogSize,
			Logger:  logger,
		},
		OnIngest: func(id ble.DeviceID, res spectro.Result) {
			logger.Debug("[SPECTRO] sample", "device", id, "text", res.Entry.Text)
			for _, f := range res.Frames {
				logger.Debug("[SPECTRO] frame", "device", id, "peak_bin", peakBin(f))
			}
		},
		Logger: logger,
	}

	var rec *recording.Recorder
	if cfg.Recording.Enabled {
		rec = recording.NewRecorder(cfg.Recording.Dir, cfg.Recording.SampleRate, logger)
		hubOpts.Recorder = rec
	}

	var pub *publish.Publisher
	if cfg.Publish.NATSURL != "" {
		nc, err := publish.Connect(cfg.Publish.NATSURL, "sensorscope", logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("[PUB] drain failed", "error", err)
			}
		}()
		pub = publish.NewPublisher(nc, cfg.Publish.SubjectPrefix, logger)
		hubOpts.Publisher = pub
	}

	hub, err := telemetry.NewHub(stream, hubOpts)
	if err != nil {
		return err
	}
	defer func() {
		hub.Close()
		if rec != nil {
			if err := rec.Close(); err != nil {
				logger.Warn("[REC] close failed", "error", err)
			}
		}
	}()
	s.manager.SetValueHandler(hub.HandleValue)

	hubUpdates, cancelHub := s.registry.Subscribe(256)
	defer cancelHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.manager.Run(gctx) })
	g.Go(func() error { return hub.Watch(gctx, hubUpdates) })
	if pub != nil {
		pubUpdates, cancelPub := s.registry.Subscribe(256)
		defer cancelPub()
		g.Go(func() error { return pub.WatchDevices(gctx, pubUpdates) })
	}
	g.Go(func() error {
		if err := s.manager.Scan(gctx); err != nil {
			logger.Warn("[BLE] scan not started", "error", err)
		}
		if id != "" {
			return connectStream(s.manager, ble.DeviceID(id))
		}
		if len(s.store.ListPaired()) == 0 {
			logger.Info("[CONN] no paired sensors yet, waiting for discovery")
			return nil
		}
		return s.manager.ConnectPaired()
	})

	fmt.Println("Streaming. Press Ctrl+C to stop.")
	return g.Wait()
}

// connectStream opens the main connection for id. Discovery may already
// have started one, which is not an error.
func connectStream(m *connmgr.Manager, id ble.DeviceID) error {
	if err := m.Connect(id); err != nil && !errors.Is(err, connmgr.ErrAttemptInFlight) {
		return err
	}
	return nil
}

func peakBin(frame []float64) int {
	best := 0
	for i, v := range frame {
		if v > frame[best] {
			best = i
		}
	}
	return best
}
