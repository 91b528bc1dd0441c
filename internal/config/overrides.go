package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"querydesk/internal/domain"
)

// overridesDocument is the on-disk shape of POLICY_OVERRIDES_FILE:
//
//	users:
//	  alice:
//	    queriesPerHour: 10
//	    allowedEngines: [trino]
type overridesDocument struct {
	Users map[string]userOverride `yaml:"users"`
}

type userOverride struct {
	QueriesPerHour          *int64   `yaml:"queriesPerHour"`
	QueriesPerDay           *int64   `yaml:"queriesPerDay"`
	MaxResultRows           *int     `yaml:"maxResultRows"`
	MaxQueryDurationSeconds *int     `yaml:"maxQueryDurationSeconds"`
	AllowedEngines          []string `yaml:"allowedEngines"`
	AllowedFileTypes        []string `yaml:"allowedFileTypes"`
}

const reloadDebounce = 250 * time.Millisecond

// PolicyOverrides holds per-user policy overrides loaded from a YAML file.
// It is safe for concurrent use and can hot-reload the file with Watch.
type PolicyOverrides struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]domain.PolicyOverride
}

// LoadPolicyOverrides reads and validates the overrides file at path.
func LoadPolicyOverrides(path string, logger *slog.Logger) (*PolicyOverrides, error) {
	if logger == nil {
		logger = slog.Default()
	}
	users, err := parseOverridesFile(path)
	if err != nil {
		return nil, err
	}
	return &PolicyOverrides{path: path, logger: logger, users: users}, nil
}

// Override returns the override for userID, if any.
func (p *PolicyOverrides) Override(userID string) (domain.PolicyOverride, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.users[userID]
	return o, ok
}

// Len returns the number of users with overrides.
func (p *PolicyOverrides) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Reload re-reads the file. On error the previous overrides stay active.
func (p *PolicyOverrides) Reload() error {
	users, err := parseOverridesFile(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
	p.logger.Info("policy overrides reloaded", "path", p.path, "users", len(users))
	return nil
}

// Watch reloads the file whenever it changes until ctx is cancelled. The
// parent directory is watched so editors that replace the file are seen.
func (p *PolicyOverrides) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create overrides watcher: %w", err)
	}
	absPath, err := filepath.Abs(p.path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resolve overrides path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	go func() {
		defer watcher.Close() //nolint:errcheck
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if name, _ := filepath.Abs(event.Name); name != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := p.Reload(); err != nil {
						p.logger.Warn("policy overrides reload failed; keeping previous overrides", "path", p.path, "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("policy overrides watcher error", "error", err)
			}
		}
	}()
	return nil
}

func parseOverridesFile(path string) (map[string]domain.PolicyOverride, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read policy overrides: %w", err)
	}
	return parseOverrides(data)
}

func parseOverrides(data []byte) (map[string]domain.PolicyOverride, error) {
	var doc overridesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy overrides: %w", err)
	}

	users := make(map[string]domain.PolicyOverride, len(doc.Users))
	for user, o := range doc.Users {
		if strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("policy overrides: empty user id")
		}
		if o.MaxResultRows != nil && *o.MaxResultRows < 1 {
			return nil, fmt.Errorf("policy overrides: %s: maxResultRows must be positive", user)
		}
		if o.MaxQueryDurationSeconds != nil && *o.MaxQueryDurationSeconds < 1 {
			return nil, fmt.Errorf("policy overrides: %s: maxQueryDurationSeconds must be positive", user)
		}
		users[user] = domain.PolicyOverride{
			QueriesPerHour:          o.QueriesPerHour,
			QueriesPerDay:           o.QueriesPerDay,
			MaxResultRows:           o.MaxResultRows,
			MaxQueryDurationSeconds: o.MaxQueryDurationSeconds,
			AllowedEngines:          lowerAll(o.AllowedEngines),
			AllowedFileTypes:        lowerAll(o.AllowedFileTypes),
		}
	}
	return users, nil
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
