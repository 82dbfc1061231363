// marvin streams a sequence file to a Marvin controller over a serial
// link and offers a small interactive console to drive playback.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/FabLabAQ/Marvin/host/config"
	"github.com/FabLabAQ/Marvin/host/serial"
	"github.com/FabLabAQ/Marvin/host/session"
	"github.com/FabLabAQ/Marvin/host/simulator"
	"github.com/FabLabAQ/Marvin/sequence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		device      string
		baud        int
		driver      string
		seqPath     string
		mode        string
		fromCurrent bool
		oneShot     bool
		simulate    bool
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("marvin", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	flagSet.StringVarP(&device, "device", "d", "", "serial device path")
	flagSet.IntVarP(&baud, "baud", "b", serial.DefaultBaud, "baud rate (ignored for USB CDC)")
	flagSet.StringVar(&driver, "driver", string(serial.DriverTarm), "serial backend: tarm or bugst")
	flagSet.StringVarP(&seqPath, "sequence", "s", "", "sequence file to play")
	flagSet.StringVarP(&mode, "mode", "m", config.ModeStream, "playback mode for start: stream or immediate")
	flagSet.BoolVar(&fromCurrent, "from-current", false, "start streaming from the current point")
	flagSet.BoolVar(&oneShot, "one-shot", false, "stop after the last point instead of looping")
	flagSet.BoolVar(&simulate, "simulate", false, "run against the built-in firmware simulator")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags given explicitly override the file
	if flagSet.Changed("device") {
		cfg.Link.Device = device
	}
	if flagSet.Changed("baud") {
		cfg.Link.Baud = baud
	}
	if flagSet.Changed("driver") {
		cfg.Link.Driver = serial.Driver(driver)
	}
	if flagSet.Changed("sequence") {
		cfg.Sequence.File = seqPath
	}
	if flagSet.Changed("mode") {
		cfg.Session.Mode = mode
	}
	if flagSet.Changed("from-current") {
		cfg.Session.FromCurrent = fromCurrent
	}
	if flagSet.Changed("one-shot") {
		cfg.Session.OneShot = oneShot
	}
	if flagSet.Changed("simulate") {
		cfg.Simulate = simulate
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	seq, err := loadSequence(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lastMode := session.ModeIdle
	opts := cfg.SessionOptions()
	opts.Logger = logger
	opts.Hooks = session.Hooks{
		LinkError: func(err error) {
			fmt.Fprintf(os.Stderr, "link error: %v\n", err)
		},
		DebugMessage: func(msg string) {
			fmt.Printf("controller: %s\n", msg)
		},
		BatteryCharge: func(percent float64) {
			logger.Info("battery", "percent", fmt.Sprintf("%.0f", percent))
		},
		StateChanged: func(st session.State) {
			if lastMode != session.ModeIdle && st.Mode == session.ModeIdle {
				fmt.Println("playback ended")
			}
			lastMode = st.Mode
		},
	}

	linkName := cfg.Link.Device
	if cfg.Simulate {
		sim := simulator.New(simulator.Options{
			Logger:          logger.With("component", "simulator"),
			BatteryInterval: 5 * time.Second,
			Debug:           true,
		})
		go func() {
			if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("simulator stopped", "error", err)
			}
		}()
		opts.Open = session.SerialOpener(cfg.Link, func(*serial.Config) (serial.Port, error) {
			return sim.Port(), nil
		})
		linkName = "simulator"
	} else {
		opts.Open = session.SerialOpener(cfg.Link, serial.Open)
	}

	loop := session.NewLoop(session.New(opts))
	go loop.Run(ctx)

	if err := loop.Call(ctx, func(s *session.Session) error {
		return s.OpenLink(linkName, cfg.Link.Baud)
	}); err != nil {
		return err
	}
	fmt.Printf("Connected to %s, %d points of dimension %d loaded.\n", linkName, seq.Len(), seq.Dim())
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")

	c := &console{
		loop:        loop,
		seq:         seq,
		mode:        cfg.Session.Mode,
		fromCurrent: cfg.Session.FromCurrent,
		out:         os.Stdout,
	}
	c.run(ctx, os.Stdin)

	c.shutdown()
	cancel()
	<-loop.Done()
	return nil
}

func loadSequence(cfg *config.Config) (*sequence.Sequence, error) {
	if cfg.Sequence.File == "" {
		return nil, errors.New("no sequence file (use --sequence or sequence.file)")
	}
	limits, err := cfg.Sequence.SequenceLimits()
	if err != nil {
		return nil, err
	}
	return sequence.ReadFile(cfg.Sequence.File, limits)
}
