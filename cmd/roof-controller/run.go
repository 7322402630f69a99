package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/roof-controller/db"
	"github.com/thatsimonsguy/roof-controller/internal/api"
	"github.com/thatsimonsguy/roof-controller/internal/config"
	"github.com/thatsimonsguy/roof-controller/internal/datadog"
	"github.com/thatsimonsguy/roof-controller/internal/device"
	"github.com/thatsimonsguy/roof-controller/internal/dome"
	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/notifications"
	"github.com/thatsimonsguy/roof-controller/internal/sensors"
	"github.com/thatsimonsguy/roof-controller/internal/telemetry"
	"github.com/thatsimonsguy/roof-controller/internal/transport"
	"github.com/thatsimonsguy/roof-controller/system/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the controller and serve the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), loadConfig())
	},
}

func run(ctx context.Context, cfg config.Config) error {
	log.Info().
		Str("config", cfg.ConfigFile).
		Str("device_url", cfg.DeviceURL).
		Msg("Starting roof controller")

	datadog.InitMetrics(cfg.Datadog)
	defer datadog.Close()
	notifications.Init(cfg.NtfyTopic)
	recorder := telemetry.New(cfg.Influx)
	defer recorder.Close()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	hub := api.NewHub()
	link := transport.NewRegistry(cfg.BaudRate).Link(cfg.DeviceURL)
	sessions, err := buildSessions(cfg, database, link, hub, recorder)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		shutdown.Register(s)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.NewServer(sessions, hub, database).Start(ctx, cfg.APIPort)
	})
	g.Go(func() error {
		for _, s := range sessions {
			if err := s.Connect(); err != nil {
				// the operator can retry through the API
				log.Error().Err(err).Str("device", s.Name()).Msg("Initial connect failed")
			}
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdown.DisconnectAll()
		return nil
	})

	return g.Wait()
}

// buildSessions creates one session per configured personality, seeding
// each profile from the database.
func buildSessions(cfg config.Config, database *sql.DB, link *transport.Link, h host.Host, recorder sensors.Recorder) ([]*device.Session, error) {
	poll := secondsToDuration(cfg.PollIntervalSeconds)
	keepAlive := secondsToDuration(cfg.KeepAliveIntervalSeconds)

	var out []*device.Session
	for _, p := range cfg.Personalities {
		opts := device.Options{
			Personality:       p,
			Password:          cfg.Password,
			PollInterval:      poll,
			KeepAliveInterval: keepAlive,
			Recorder:          recorder,
		}
		switch p {
		case model.PersonalityDome:
			opts.Name = cfg.Dome.Name
			opts.Layout = cfg.Dome.Layout
			opts.Sensors = cfg.Dome.Layout.Sensors()
			if notifications.Enabled() {
				opts.DomeDeps = dome.Deps{Notifier: notifications.Ntfy{}}
			}
		default:
			opts.Name = cfg.Aux.Name
			opts.Relays = cfg.Aux.Relays
			opts.Sensors = cfg.Aux.Sensors
		}

		profile, err := db.LoadProfile(database, opts.Name)
		if err != nil {
			return nil, err
		}
		if p == model.PersonalityDome {
			_, _, stored, err := db.LoadDomeSettings(database)
			if err != nil {
				return nil, err
			}
			if !stored {
				profile.Settings = cfg.Dome.Settings
				profile.Wiring = cfg.Dome.Wiring
			}
		}
		opts.Profile = profile

		out = append(out, device.New(opts, link, h))
		log.Info().Str("device", opts.Name).Str("personality", string(p)).Msg("Session configured")
	}
	return out, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
