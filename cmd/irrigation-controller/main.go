// Command irrigation-controller supervises ten irrigation valves and a shared
// pump, taking commands over MQTT or a local console.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sweeney/irrigation-controller/internal/command"
	"github.com/sweeney/irrigation-controller/internal/config"
	"github.com/sweeney/irrigation-controller/internal/console"
	"github.com/sweeney/irrigation-controller/internal/events"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
	"github.com/sweeney/irrigation-controller/internal/web"
)

var (
	configPath  string
	brokerFlag  string
	httpFlag    string
	consoleFlag bool
	deviceFlag  string
)

var rootCmd = &cobra.Command{
	Use:          "irrigation-controller",
	Short:        "Valve and pump supervisor for a ten-zone irrigation manifold",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var alloffCmd = &cobra.Command{
	Use:   "alloff",
	Short: "De-energize every valve and the pump, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		drv, err := gpio.NewRealDriver(cfg.Pins())
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		if err := drv.Close(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all outputs OFF")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&brokerFlag, "broker", "", "MQTT broker address (overrides mqtt.broker)")
	rootCmd.PersistentFlags().StringVar(&httpFlag, "http", "", `HTTP status address, "off" to disable (overrides http.addr)`)
	rootCmd.PersistentFlags().BoolVar(&consoleFlag, "console", false, "enable the interactive console")
	rootCmd.PersistentFlags().StringVar(&deviceFlag, "device-id", "", "device id (overrides device_id)")

	rootCmd.AddCommand(alloffCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("device-id") {
		cfg.DeviceID = deviceFlag
		cfg.MQTT.ClientID = "agroirriga_" + deviceFlag
	}
	if flags.Changed("broker") {
		cfg.MQTT.Broker = brokerFlag
	}
	if flags.Changed("http") {
		cfg.HTTP.Addr = httpFlag
		if httpFlag == "off" {
			cfg.HTTP.Addr = ""
		}
	}
	if flags.Changed("console") {
		cfg.Console = consoleFlag
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config) error {
	start := time.Now()
	bootID := uuid.NewString()

	// Outputs are requested de-energized, so every channel starts closed.
	driver, err := gpio.NewRealDriver(cfg.Pins())
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer driver.Close()

	var con *console.Console
	if cfg.Console {
		con, err = console.New(cfg.DeviceID + "> ")
		if err != nil {
			return err
		}
		log.SetOutput(con.Stdout())
	}

	identity := mqtt.Identity{DeviceID: cfg.DeviceID, BootID: bootID, Start: start}
	client := mqtt.NewRealClient(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Topics:     mqtt.NewTopics(cfg.MQTT.TopicPrefix, cfg.DeviceID),
		Identity:   identity,
		BufferSize: cfg.MQTT.BufferSize,
	})
	defer client.Close()

	var bus events.Publisher = &events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			log.Printf("nats disabled: %v", err)
		} else {
			bus = np
			log.Printf("mirroring events to nats %s", cfg.NATS.URL)
		}
	}
	defer bus.Close()

	var jrnl *history.Journal
	if cfg.History.DSN != "" {
		jrnl, err = openJournal(cfg.History)
		if err != nil {
			log.Printf("history disabled: %v", err)
		} else {
			defer jrnl.Close()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tracker := status.NewTracker(cfg.DeviceID, bootID, start, status.Config{
		StaggerMs:       cfg.Timing.Stagger.Milliseconds(),
		CloseDelayMs:    cfg.Timing.CloseDelay.Milliseconds(),
		SafetyCeilingMs: cfg.Timing.SafetyCeiling.Milliseconds(),
		SweepMs:         cfg.Timing.SweepInterval.Milliseconds(),
		HeartbeatMs:     cfg.Timing.Heartbeat.Milliseconds(),
		Broker:          cfg.MQTT.Broker,
		HTTPAddr:        cfg.HTTP.Addr,
		NATS:            cfg.NATS.URL != "",
		History:         jrnl != nil,
	})
	healthReader := status.NewHealthReader()
	tracker.SetHealth(healthReader.Read())
	if net := status.ReadNetworkInfo(os.Getenv); net != nil {
		tracker.SetNetwork(net)
	}

	sup := valve.NewSupervisor(cfg.Valve(), driver)
	tracker.Update(sup.Snapshot(start))
	m.ObserveSnapshot(sup.Snapshot(start))

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := client.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	if cfg.HTTP.Addr != "" {
		opts := web.Options{Gatherer: reg}
		if jrnl != nil {
			opts.History = jrnl
		}
		srv := web.New(cfg.HTTP.Addr, tracker, opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	var lines chan string
	c := &controller{
		sup:       sup,
		client:    client,
		conn:      client,
		tracker:   tracker,
		heartbeat: status.NewHeartbeat(cfg.Timing.Heartbeat, start),
		health:    healthReader.Read,
		network:   func() *status.NetworkInfo { return status.ReadNetworkInfo(os.Getenv) },
		metrics:   m,
		bus:       bus,
		subjects:  events.NewSubjects(cfg.NATS.SubjectPrefix, cfg.DeviceID),
		retain:    cfg.History.Retain,
		deviceID:  cfg.DeviceID,
		after:     time.After,
	}
	if jrnl != nil {
		c.journal = jrnl
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if con != nil {
		c.console = con
		lines = make(chan string)
		go con.Run(ctx, lines)
		con.Println(command.ConsoleHelp)
	}

	log.Printf("started: device=%s boot=%s broker=%s stagger=%v ceiling=%v sweep=%v heartbeat=%v",
		cfg.DeviceID, bootID, cfg.MQTT.Broker, cfg.Timing.Stagger, cfg.Timing.SafetyCeiling, cfg.Timing.SweepInterval, cfg.Timing.Heartbeat)

	ticker := time.NewTicker(cfg.Timing.SweepInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return c.runLoop(time.Now, ticker.C, sigCh, lines)
}

func openJournal(hc config.HistoryConfig) (*history.Journal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := history.Open(ctx, hc.Driver, hc.DSN)
	if err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}
