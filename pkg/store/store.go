package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // register sqlite driver

	"weatherdash/pkg/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	ts             INTEGER NOT NULL,
	temperature    REAL NOT NULL DEFAULT 0,
	humidity       REAL NOT NULL DEFAULT 0,
	pressure       REAL NOT NULL DEFAULT 0,
	altitude       REAL NOT NULL DEFAULT 0,
	co2            REAL NOT NULL DEFAULT 0,
	distance       REAL NOT NULL DEFAULT 0,
	wind_speed     REAL NOT NULL DEFAULT 0,
	wind_direction REAL NOT NULL DEFAULT 0,
	rainfall       REAL NOT NULL DEFAULT 0,
	voltage        REAL NOT NULL DEFAULT 0,
	bus_voltage    REAL NOT NULL DEFAULT 0,
	current_ma     REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
`

const columns = `temperature, humidity, pressure, altitude, co2, distance, wind_speed, wind_direction, rainfall, voltage, bus_voltage, current_ma`

// MaxRangeRows caps a single Range result.
const MaxRangeRows = 10000

var ErrBadRange = errors.New("end is before start")

// History stores sensor readings in SQLite, keyed by reading time in
// unix milliseconds.
type History struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under the publisher
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set wal mode")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &History{db: db, now: time.Now}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Insert stores r and returns its row id. An empty timestamp means now.
func (h *History) Insert(ctx context.Context, r proto.SensorReading) (int64, error) {
	ts := h.now()
	if strings.TrimSpace(r.Timestamp) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return 0, errors.Wrapf(err, "parse timestamp %q", r.Timestamp)
		}
		ts = parsed
	}
	res, err := h.db.ExecContext(ctx,
		`INSERT INTO readings(ts, `+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(), r.Temperature, r.Humidity, r.Pressure, r.Altitude, r.CO2, r.Distance,
		r.WindSpeed, r.WindDirection, r.Rainfall, r.Voltage, r.BusVoltage, r.Current,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert reading")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert reading id")
	}
	return id, nil
}

// Range returns readings with start <= ts <= end in time order. A positive
// interval averages readings into buckets of that width, each stamped with
// its bucket start.
func (h *History) Range(ctx context.Context, start, end time.Time, interval time.Duration) ([]proto.SensorReading, error) {
	if end.Before(start) {
		return nil, ErrBadRange
	}
	var rows *sql.Rows
	var err error
	if bucket := interval.Milliseconds(); bucket > 0 {
		rows, err = h.db.QueryContext(ctx, `
			SELECT 0, (ts / ?) * ?,
				AVG(temperature), AVG(humidity), AVG(pressure), AVG(altitude), AVG(co2), AVG(distance),
				AVG(wind_speed), AVG(wind_direction), AVG(rainfall), AVG(voltage), AVG(bus_voltage), AVG(current_ma)
			FROM readings
			WHERE ts BETWEEN ? AND ?
			GROUP BY ts / ?
			ORDER BY 2
			LIMIT ?`,
			bucket, bucket, start.UnixMilli(), end.UnixMilli(), bucket, MaxRangeRows)
	} else {
		rows, err = h.db.QueryContext(ctx, `
			SELECT id, ts, `+columns+`
			FROM readings
			WHERE ts BETWEEN ? AND ?
			ORDER BY ts, id
			LIMIT ?`,
			start.UnixMilli(), end.UnixMilli(), MaxRangeRows)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query readings")
	}
	defer rows.Close()
	return scanReadings(rows)
}

// Latest returns the most recent reading, if any.
func (h *History) Latest(ctx context.Context) (proto.SensorReading, bool, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, ts, `+columns+` FROM readings ORDER BY ts DESC, id DESC LIMIT 1`)
	if err != nil {
		return proto.SensorReading{}, false, errors.Wrap(err, "query latest")
	}
	defer rows.Close()
	out, err := scanReadings(rows)
	if err != nil || len(out) == 0 {
		return proto.SensorReading{}, false, err
	}
	return out[0], true, nil
}

// Prune deletes readings older than before and reports how many went.
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune readings")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "prune readings count")
	}
	return n, nil
}

func scanReadings(rows *sql.Rows) ([]proto.SensorReading, error) {
	var out []proto.SensorReading
	for rows.Next() {
		var r proto.SensorReading
		var ts int64
		if err := rows.Scan(&r.ID, &ts,
			&r.Temperature, &r.Humidity, &r.Pressure, &r.Altitude, &r.CO2, &r.Distance,
			&r.WindSpeed, &r.WindDirection, &r.Rainfall, &r.Voltage, &r.BusVoltage, &r.Current,
		); err != nil {
			return nil, errors.Wrap(err, "scan reading")
		}
		r.Timestamp = time.UnixMilli(ts).UTC().Format(proto.TimeLayout)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate readings")
	}
	return out, nil
}
