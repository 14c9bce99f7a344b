package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"weatherdash/pkg/channel"
	"weatherdash/pkg/logging"
	"weatherdash/pkg/proto"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

type historyOptions struct {
	start, end string
	since      time.Duration
	format     string
	timeout    time.Duration
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	o := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored readings for a time range",
		Example: `  weatherdash history --since 6h
  weatherdash history --start 2024-05-01T00:00:00Z --end 2024-05-02T00:00:00Z --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), root, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.start, "start", "", "range start, RFC3339 (default: end minus --since)")
	f.StringVar(&o.end, "end", "", "range end, RFC3339 (default: now)")
	f.DurationVar(&o.since, "since", 24*time.Hour, "range length when --start is not given")
	f.StringVar(&o.format, "format", formatCSV, "output format: csv|json")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func runHistory(ctx context.Context, root *rootOptions, o *historyOptions, out io.Writer) error {
	format := strings.ToLower(strings.TrimSpace(o.format))
	if format != formatCSV && format != formatJSON {
		return errors.Errorf("unknown format %q, want csv or json", o.format)
	}
	start, end, err := parseRange(o.start, o.end, o.since, time.Now())
	if err != nil {
		return err
	}
	cfg, err := root.load()
	if err != nil {
		return err
	}

	// stdout carries the export, so logs go to stderr and stay at warn
	// unless debug was asked for
	log := logrus.New()
	log.Out = os.Stderr
	log.Level = logrus.WarnLevel
	if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil && lvl >= logrus.DebugLevel {
		log.Level = lvl
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	client := newChannel(cfg, log)
	readings, err := fetchHistory(ctx, client, start, end)
	if err != nil {
		return err
	}
	if format == formatJSON {
		return writeJSON(out, readings)
	}
	return writeCSV(out, readings)
}

// fetchHistory connects c, waits for it to open and runs one history query.
func fetchHistory(ctx context.Context, c *channel.Client, start, end time.Time) ([]proto.SensorReading, error) {
	if err := waitOpen(ctx, c); err != nil {
		return nil, err
	}
	defer c.Disconnect()
	return c.QueryHistory(ctx, start, end)
}

// waitOpen calls Connect and blocks until the connection opens, the
// reconnect budget runs out or ctx ends.
func waitOpen(ctx context.Context, c *channel.Client) error {
	opened := make(chan struct{}, 1)
	failed := make(chan string, 1)
	onConn := channel.Func(func(ev proto.Event) {
		if e, ok := ev.(channel.ConnectionEvent); ok && e.Connected {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	onErr := channel.Func(func(ev proto.Event) {
		if e, ok := ev.(channel.ErrorEvent); ok && e.Message == channel.MsgReconnectFailed {
			select {
			case failed <- e.Message:
			default:
			}
		}
	})
	c.On(channel.EventConnection, onConn)
	c.On(channel.EventError, onErr)
	defer c.Off(channel.EventConnection, onConn)
	defer c.Off(channel.EventError, onErr)

	c.Connect()
	if c.IsConnected() {
		return nil
	}
	select {
	case <-opened:
		return nil
	case msg := <-failed:
		c.Disconnect()
		return errors.New(msg)
	case <-ctx.Done():
		c.Disconnect()
		return errors.Wrap(ctx.Err(), "connect")
	}
}

func parseRange(start, end string, since time.Duration, now time.Time) (time.Time, time.Time, error) {
	e := now
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "--end")
		}
		e = t
	}
	if since <= 0 {
		return time.Time{}, time.Time{}, errors.New("--since must be positive")
	}
	s := e.Add(-since)
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "--start")
		}
		s = t
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, errors.New("--end is before --start")
	}
	return s, e, nil
}

var csvHeader = []string{
	"timestamp", "temperature", "humidity", "pressure", "altitude", "co2", "distance",
	"windSpeed", "windDirection", "rainfall", "voltage", "busVoltage", "current",
}

func writeCSV(out io.Writer, readings []proto.SensorReading) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return errors.Wrap(err, "write csv")
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, r := range readings {
		row := []string{
			r.Timestamp, f(r.Temperature), f(r.Humidity), f(r.Pressure), f(r.Altitude), f(r.CO2), f(r.Distance),
			f(r.WindSpeed), f(r.WindDirection), f(r.Rainfall), f(r.Voltage), f(r.BusVoltage), f(r.Current),
		}
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "write csv")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "write csv")
}

func writeJSON(out io.Writer, readings []proto.SensorReading) error {
	if readings == nil {
		readings = []proto.SensorReading{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(readings), "write json")
}
