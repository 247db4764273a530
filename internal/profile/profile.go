package profile

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultDBPath is where the shared SalesLens database lives relative to the
// capture binary's working directory.
const DefaultDBPath = "../sync-engine/data/saleslens.db"

const (
	defaultBusyTimeout    = 5 * time.Second
	defaultReplayInterval = time.Second
	defaultLogEveryN      = 5
)

var (
	// ErrMissingAPIKey is returned by Validate when no SDK credential was supplied.
	ErrMissingAPIKey = errors.New("api key is required")
	// ErrMissingSessionID is returned by Validate when no session identifier was supplied.
	ErrMissingSessionID = errors.New("session id is required")
)

// Profile is configuration to start the capture process.
type Profile struct {
	// SDK credential. Only handed to the capture container.
	APIKey string
	// SessionID tags every row written by this process.
	SessionID string
	// DBPath is the SQLite file shared with the transcription module.
	DBPath string
	// Source is the frame stream the replay container reads ("-" for stdin).
	Source string
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	Mode        string

	BusyTimeout    time.Duration
	ReplayInterval time.Duration
	LogEveryN      int
	Migrate        bool
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv fills fields that flags left empty from the variable names the rest of
// the SalesLens tooling already uses (see shared/config.py).
func (p *Profile) FromEnv() {
	if p.APIKey == "" {
		p.APIKey = getEnvOrDefault("PRESAGE_API_KEY", "")
	}
	if p.DBPath == "" {
		p.DBPath = getEnvOrDefault("DB_PATH", "")
	}
	if p.LogEveryN == 0 {
		p.LogEveryN = getEnvOrDefaultInt("PRESAGE_LOG_EVERY_N", 0)
	}
}

// Validate checks required settings and applies defaults. It never touches the
// filesystem, so a missing credential fails before any store access.
func (p *Profile) Validate() error {
	if p.APIKey == "" {
		return ErrMissingAPIKey
	}
	if p.SessionID == "" {
		return ErrMissingSessionID
	}

	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.DBPath == "" {
		p.DBPath = DefaultDBPath
	}
	if p.Source == "" {
		p.Source = "-"
	}
	if p.BusyTimeout <= 0 {
		p.BusyTimeout = defaultBusyTimeout
	}
	if p.ReplayInterval < 0 {
		return errors.Errorf("replay interval must not be negative, got %s", p.ReplayInterval)
	}
	if p.LogEveryN <= 0 {
		if p.LogEveryN < 0 {
			slog.Warn("invalid log-every-n, using default", "value", p.LogEveryN, "default", defaultLogEveryN)
		}
		p.LogEveryN = defaultLogEveryN
	}
	return nil
}

// DSN returns the modernc.org/sqlite data source name for DBPath.
//
// Notes:
// - Each pragma must be prefixed with `_pragma=` for the modernc.org/sqlite driver.
// - WAL lets the transcription module append to the same file while we write.
// - busy_timeout bounds how long a write waits on the other writer's lock.
func (p *Profile) DSN() string {
	timeout := p.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	separator := "?"
	if strings.Contains(p.DBPath, "?") {
		separator = "&"
	}
	return p.DBPath + separator +
		"_pragma=busy_timeout(" + strconv.FormatInt(timeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)"
}
