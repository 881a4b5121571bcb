// Package shmconfig loads engine-wide defaults for sharedmap handles from an
// optional HuJSON (JSON-with-comments) file, the same config-loading shape
// the teacher repo uses for its own ticket store.
package shmconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// ConfigFileName is the default config file name, checked in the working
// directory the way the teacher checks for .tk.json.
const ConfigFileName = ".sharedmap.json"

var errConfigFileRead = errors.New("reading config file")
var errConfigInvalid = errors.New("invalid config")

// Config holds the tunables that shmmap.Options and the lock package don't
// take directly from call sites: defaults a deployment wants applied across
// every handle it opens. Neither pkg/shmmap nor pkg/shmlock reads a Config
// itself; a Config takes effect only where a caller passes its values on.
type Config struct {
	// BufferSize is the default log segment size for new maps.
	BufferSize uint32 `json:"buffer_size,omitempty"`
	// FullDumpSize is the default fixed snapshot size (0 = dynamic).
	FullDumpSize uint32 `json:"full_dump_size,omitempty"`
	// SharedLock is the default for whether new maps use the
	// cross-process atomic lock instead of a process-local mutex.
	SharedLock bool `json:"shared_lock,omitempty"`
	// LockSleep is how long a blocking Acquire sleeps between spin
	// attempts while contended.
	LockSleep time.Duration `json:"lock_sleep,omitempty"`
	// ReadMaxRetries bounds the reader's lock-free replay retry loop
	// before it escalates to a locked recheck.
	ReadMaxRetries int `json:"read_max_retries,omitempty"`
	// ReadInitialBackoff is the reader retry loop's starting backoff.
	ReadInitialBackoff time.Duration `json:"read_initial_backoff,omitempty"`
	// ReadMaxBackoff caps the reader retry loop's doubling backoff.
	ReadMaxBackoff time.Duration `json:"read_max_backoff,omitempty"`
}

// Default returns the built-in defaults, matching the constants pkg/shmmap
// and pkg/shmlock use.
func Default() Config {
	return Config{
		BufferSize:         1 << 20,
		FullDumpSize:       0,
		SharedLock:         false,
		LockSleep:          time.Microsecond,
		ReadMaxRetries:     10,
		ReadInitialBackoff: 50 * time.Microsecond,
		ReadMaxBackoff:     time.Millisecond,
	}
}

// Load reads workDir/.sharedmap.json (if present) and merges it over the
// defaults. A missing file is not an error; an explicit path that doesn't
// exist is.
func Load(workDir, explicitPath string) (Config, string, error) {
	cfg := Default()

	path := explicitPath
	mustExist := explicitPath != ""
	if path == "" {
		path = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not attacker input
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return cfg, "", nil
		}
		return Config{}, "", fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	overlay, err := parse(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	merge(&cfg, overlay)
	return cfg, path, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

// merge overlays non-zero overlay fields onto base, in place.
func merge(base *Config, overlay Config) {
	if overlay.BufferSize != 0 {
		base.BufferSize = overlay.BufferSize
	}
	if overlay.FullDumpSize != 0 {
		base.FullDumpSize = overlay.FullDumpSize
	}
	if overlay.SharedLock {
		base.SharedLock = true
	}
	if overlay.LockSleep != 0 {
		base.LockSleep = overlay.LockSleep
	}
	if overlay.ReadMaxRetries != 0 {
		base.ReadMaxRetries = overlay.ReadMaxRetries
	}
	if overlay.ReadInitialBackoff != 0 {
		base.ReadInitialBackoff = overlay.ReadInitialBackoff
	}
	if overlay.ReadMaxBackoff != 0 {
		base.ReadMaxBackoff = overlay.ReadMaxBackoff
	}
}
