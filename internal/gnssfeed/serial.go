// Package gnssfeed implements the GNSS ingestion adapter of
// SPEC_FULL.md §4.10: reading NMEA-style fixes off a serial GNSS receiver
// and handing them to the orchestrator as types.GpsData, supplementing the
// feature the distilled spec dropped (it assumes GNSS fixes simply
// "arrive").
package gnssfeed

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/openvio/vio-estimator/internal/types"
)

// Config selects the serial port and framing.
type Config struct {
	Port     string
	BaudRate int
}

// Reader parses GGA sentences off an io.Reader into types.GpsData.
type Reader struct {
	scanner *bufio.Scanner
	epoch   time.Time
}

// OpenSerial opens the configured serial port and wraps it in a Reader.
func OpenSerial(cfg Config) (*Reader, io.Closer, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, nil, fmt.Errorf("gnssfeed: failed to open %s: %w", cfg.Port, err)
	}
	return NewReader(port), port, nil
}

// NewReader wraps an arbitrary line-oriented stream (a serial port, a
// recorded NMEA log file) for testing without real hardware.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r), epoch: time.Now()}
}

// Next blocks until the next parseable GGA fix arrives, or returns io.EOF
// once the stream is exhausted.
func (r *Reader) Next() (types.GpsData, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		fix, ok, err := parseGGA(line, r.epoch)
		if err != nil {
			continue // malformed sentence, keep reading
		}
		if ok {
			return fix, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return types.GpsData{}, fmt.Errorf("gnssfeed: read error: %w", err)
	}
	return types.GpsData{}, io.EOF
}

// parseGGA decodes a $GxGGA sentence into a fix with a default horizontal
// variance matching a single-frequency civilian receiver (the lever-arm
// and altitude-variance overrides live in gnss.Config, not here).
func parseGGA(line string, epoch time.Time) (types.GpsData, bool, error) {
	if !strings.HasPrefix(line, "$") || !strings.Contains(line, "GGA") {
		return types.GpsData{}, false, nil
	}
	body := line
	if i := strings.Index(line, "*"); i >= 0 {
		body = line[:i]
	}
	fields := strings.Split(body, ",")
	if len(fields) < 10 {
		return types.GpsData{}, false, fmt.Errorf("gnssfeed: short GGA sentence")
	}

	t, err := parseNMEATime(fields[1], epoch)
	if err != nil {
		return types.GpsData{}, false, err
	}
	lat, err := parseNMEALatLon(fields[2], fields[3], true)
	if err != nil {
		return types.GpsData{}, false, err
	}
	lon, err := parseNMEALatLon(fields[4], fields[5], false)
	if err != nil {
		return types.GpsData{}, false, err
	}
	alt, err := strconv.ParseFloat(fields[9], 64)
	if err != nil {
		return types.GpsData{}, false, fmt.Errorf("gnssfeed: bad altitude field: %w", err)
	}

	fix := types.GpsData{
		Timestamp: t,
		Lla:       types.Vec3{lat * math.Pi / 180, lon * math.Pi / 180, alt},
	}
	const defaultSigma = 3.0
	fix.Cov = types.Mat3{
		{defaultSigma * defaultSigma, 0, 0},
		{0, defaultSigma * defaultSigma, 0},
		{0, 0, (2 * defaultSigma) * (2 * defaultSigma)},
	}
	return fix, true, nil
}

func parseNMEATime(field string, epoch time.Time) (float64, error) {
	if len(field) < 6 {
		return 0, fmt.Errorf("gnssfeed: bad time field %q", field)
	}
	hh, err1 := strconv.Atoi(field[0:2])
	mm, err2 := strconv.Atoi(field[2:4])
	ss, err3 := strconv.ParseFloat(field[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("gnssfeed: bad time field %q", field)
	}
	base := time.Date(epoch.Year(), epoch.Month(), epoch.Day(), 0, 0, 0, 0, epoch.Location())
	return float64(base.Unix()) + float64(hh)*3600 + float64(mm)*60 + ss, nil
}

func parseNMEALatLon(value, hemi string, isLat bool) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("gnssfeed: empty coordinate field")
	}
	degreeDigits := 2
	if !isLat {
		degreeDigits = 3
	}
	if len(value) < degreeDigits+2 {
		return 0, fmt.Errorf("gnssfeed: malformed coordinate %q", value)
	}
	deg, err := strconv.ParseFloat(value[:degreeDigits], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(value[degreeDigits:], 64)
	if err != nil {
		return 0, err
	}
	v := deg + min/60
	if hemi == "S" || hemi == "W" {
		v = -v
	}
	return v, nil
}
