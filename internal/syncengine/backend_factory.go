package syncengine

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN selects a backend by DSN scheme:
//
//	memory://                 volatile, test and throwaway installs
//	file:///path/state.json   JSON snapshot, small durable queues
//	sqlite:///path/sync.db    embedded default
//	postgres://...            shared server-side store
//
// A bare path with no scheme is treated as a sqlite database file.
func BuildBackendFromDSN(dsn string, opts BackendOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(opts), nil
	case "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path, opts)
	case "", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path, opts)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, opts)
	case "redis", "rediss", "nats":
		return nil, fmt.Errorf("%w: sync backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sync backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
