package syncengine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-based configuration for a sync engine process.
// Every field has a working default; the config file only overrides.
type Config struct {
	// BackendDSN selects the local state backend, see BuildBackendFromDSN.
	BackendDSN string `yaml:"backend_dsn"`
	// RemoteBaseURL is the authoritative store's HTTPS API root.
	RemoteBaseURL string `yaml:"remote_base_url"`
	// RealtimeURL is the websocket endpoint root. Empty disables the
	// realtime channel; the periodic pull covers propagation alone.
	RealtimeURL string `yaml:"realtime_url"`
	UserAgent   string `yaml:"user_agent"`

	// TypeOrder lists entity types in pull dependency order.
	TypeOrder []string `yaml:"type_order"`
	// Schemas maps entity types to JSON schema files used to validate
	// mutation payloads at enqueue time.
	Schemas map[string]string `yaml:"schemas"`

	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	NetStatePath  string        `yaml:"net_state_path"`

	PushBatchSize int           `yaml:"push_batch_size"`
	PushWorkers   int           `yaml:"push_workers"`
	PushBaseDelay time.Duration `yaml:"push_base_delay"`
	PushMaxDelay  time.Duration `yaml:"push_max_delay"`
	PushTimeout   time.Duration `yaml:"push_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxDeadOps    int           `yaml:"max_dead_ops"`

	PullInterval  time.Duration `yaml:"pull_interval"`
	PullPageLimit int           `yaml:"pull_page_limit"`
	PullTimeout   time.Duration `yaml:"pull_timeout"`

	ChangeDebounce time.Duration `yaml:"change_debounce"`

	// ListenAddr and AuthSecret configure the admin HTTP API. An empty
	// secret disables authenticated routes.
	ListenAddr string `yaml:"listen_addr"`
	AuthSecret string `yaml:"auth_secret"`
}

func DefaultConfig() Config {
	return Config{
		BackendDSN:     "sqlite://sync.db",
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		PushBatchSize:  20,
		PushWorkers:    5,
		PushBaseDelay:  time.Second,
		PushMaxDelay:   30 * time.Second,
		PushTimeout:    20 * time.Second,
		MaxRetries:     5,
		MaxDeadOps:     200,
		PullInterval:   5 * time.Minute,
		PullPageLimit:  200,
		PullTimeout:    30 * time.Second,
		ChangeDebounce: 250 * time.Millisecond,
		ListenAddr:     ":8787",
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a running engine cannot default its way
// around.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendDSN) == "" {
		return fmt.Errorf("%w: backend_dsn is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("%w: remote_base_url is required", ErrInvalidInput)
	}
	return nil
}
