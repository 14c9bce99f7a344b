package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"weatherdash/pkg/config"
	"weatherdash/pkg/logging"
	"weatherdash/pkg/proto"
	"weatherdash/pkg/sensors"
	"weatherdash/pkg/station"
	"weatherdash/pkg/store"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "weatherdash-station",
		Short:        "Reference telemetry server for weatherdash",
		Version:      version,
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "config file (default config/station.json)")
	f.String("addr", "", "listen address (env WEATHERDASH_STATION_ADDR)")
	f.String("source", "", "reading source: simulated|host")
	f.String("db", "", "sqlite history file")
	f.String("token", "", "client token, plain or sha256 hex")
	f.String("log-level", "", "log level: debug|info|warn|error")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(cfgPath, config.Flags{
			"addr":      f.Lookup("addr"),
			"source":    f.Lookup("source"),
			"db_path":   f.Lookup("db"),
			"token":     f.Lookup("token"),
			"log.level": f.Lookup("log-level"),
		})
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	}
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	log, closer, err := logging.New("station", cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	hist, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	meta := proto.SensorMetadata{
		SensorID:        cfg.StationID,
		Location:        cfg.Location,
		CalibrationDate: cfg.CalibrationDate,
		Status:          proto.StatusOffline,
	}
	hub := station.NewHub(cfg.Token, hist, meta, logging.Component(log, "hub"))
	pub := &station.Publisher{
		Source:    newSource(cfg),
		Store:     hist,
		Hub:       hub,
		Interval:  cfg.PushInterval,
		Retention: cfg.Retention,
		Log:       logging.Component(log, "publisher"),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Clients int                  `json:"clients"`
			Station proto.SensorMetadata `json:"station"`
		}{Clients: hub.ClientCount(), Station: hub.Metadata()})
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.Addr)
	}
	log.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"path":     cfg.Path,
		"source":   cfg.Source,
		"db":       cfg.DBPath,
		"interval": cfg.PushInterval,
		"auth":     cfg.Token != "",
	}).Info("station listening")

	pctx, stopPub := context.WithCancel(ctx)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		_ = pub.Run(pctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server error")
		}
	}

	stopPub()
	<-pubDone
	hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	log.Info("station stopped")
	return nil
}

func newSource(cfg config.ServerConfig) sensors.Source {
	sim := sensors.NewSimulated(time.Now().UnixNano())
	if cfg.Source == config.SourceHost {
		return sensors.NewHostSource(cfg.HostSensorKey, sim)
	}
	return sim
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
