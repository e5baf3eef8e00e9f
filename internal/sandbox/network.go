package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/delegate/internal/log"
)

// networkFile is the on-disk shape of protected/network.yaml.
type networkFile struct {
	Allow []string `yaml:"allow"`
}

// DefaultAllowlist is written on first run. The model API endpoint must
// stay reachable or every session dies on creation.
var DefaultAllowlist = []string{
	"api.anthropic.com",
	"github.com",
	"proxy.golang.org",
}

// LoadAllowlist reads the network allowlist, seeding the default file
// when missing.
func LoadAllowlist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := SaveAllowlist(path, DefaultAllowlist); err != nil {
			return nil, err
		}
		return append([]string(nil), DefaultAllowlist...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read network allowlist: %w", err)
	}
	var f networkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse network allowlist: %w", err)
	}
	return f.Allow, nil
}

// SaveAllowlist writes the allowlist atomically (write-then-rename) so
// the watcher never observes a torn file.
func SaveAllowlist(path string, domains []string) error {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	data, err := yaml.Marshal(networkFile{Allow: sorted})
	if err != nil {
		return fmt.Errorf("failed to marshal network allowlist: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write network allowlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace network allowlist: %w", err)
	}
	return nil
}

// AllowDomain adds a domain to the allowlist file. Idempotent.
func AllowDomain(path, domain string) error {
	domains, err := LoadAllowlist(path)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if d == domain {
			return nil
		}
	}
	return SaveAllowlist(path, append(domains, domain))
}

// DisallowDomain removes a domain from the allowlist file.
func DisallowDomain(path, domain string) error {
	domains, err := LoadAllowlist(path)
	if err != nil {
		return err
	}
	kept := domains[:0]
	for _, d := range domains {
		if d != domain {
			kept = append(kept, d)
		}
	}
	return SaveAllowlist(path, kept)
}

// WatchAllowlist watches the allowlist file and invokes onChange with
// the new domains whenever it is rewritten. The session manager uses
// this to rotate every active session on a network edit. Returns a stop
// function.
func WatchAllowlist(path string, onChange func([]string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and our atomic rename replace the
	// file, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	log.SafeGo("sandbox.watchAllowlist", func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				domains, err := LoadAllowlist(path)
				if err != nil {
					log.ErrorErr(log.CatSandbox, "failed to reload network allowlist", err)
					continue
				}
				log.Info(log.CatSandbox, "network allowlist changed", "domains", len(domains))
				onChange(domains)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.ErrorErr(log.CatSandbox, "allowlist watcher error", err)
			}
		}
	})

	return func() { _ = watcher.Close() }, nil
}
