package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Status classifies the freshness of the daemon's heartbeat file.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusError     Status = "error"
	StatusUnknown   Status = "unknown"
)

// staleThresholdMultiplier is how many missed heartbeat intervals are
// tolerated before a heartbeat is considered stale rather than merely late.
const staleThresholdMultiplier = 3

// heartbeatDoc is the on-disk JSON shape of the heartbeat file.
type heartbeatDoc struct {
	Timestamp     time.Time `json:"timestamp"`
	PID           int       `json:"pid"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// heartbeat periodically writes the current timestamp, pid, and uptime to
// heartbeatPath, grounded on the teacher's worker heartbeatLoop: a ticker
// tied to stopCh.
type heartbeat struct {
	path     string
	interval time.Duration
	log      zerolog.Logger
	started  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newHeartbeat(path string, interval time.Duration, log zerolog.Logger) *heartbeat {
	return &heartbeat{
		path:     path,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
		started:  time.Now(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	go h.loop()
}

func (h *heartbeat) stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *heartbeat) loop() {
	defer close(h.doneCh)

	if err := h.write(); err != nil {
		h.log.Error().Err(err).Msg("failed to write initial heartbeat")
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.write(); err != nil {
				h.log.Error().Err(err).Msg("failed to write heartbeat")
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *heartbeat) write() error {
	doc := heartbeatDoc{
		Timestamp:     time.Now().UTC(),
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, h.path)
}

// ReadStatus classifies the staleness of the heartbeat file at path relative
// to interval. A missing file is StatusUnknown (the daemon may never have
// started); an unreadable or malformed one is StatusError.
func ReadStatus(path string, interval time.Duration) (Status, time.Time, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return StatusUnknown, time.Time{}, nil
	}
	if err != nil {
		return StatusError, time.Time{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return StatusError, time.Time{}, err
	}

	var doc heartbeatDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return StatusError, time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}

	if time.Since(doc.Timestamp) > time.Duration(staleThresholdMultiplier)*interval {
		return StatusUnhealthy, doc.Timestamp, nil
	}
	return StatusHealthy, doc.Timestamp, nil
}
