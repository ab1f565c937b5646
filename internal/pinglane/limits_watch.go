package pinglane

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadTierLimits reads a limits file of the form {"free": 100, "pro": 1000}.
func LoadTierLimits(path string) (TierLimits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TierLimits{}, err
	}
	var limits TierLimits
	if err := json.Unmarshal(data, &limits); err != nil {
		return TierLimits{}, err
	}
	return limits, nil
}

// WatchTierLimits applies the limits file to the policy and then hot-reloads
// it on change until ctx is cancelled. The parent directory is watched
// because most editors and config managers replace the file rather than
// writing it in place.
func WatchTierLimits(ctx context.Context, path string, policy *QuotaPolicy) error {
	if limits, err := LoadTierLimits(path); err == nil {
		policy.SetLimits(limits)
	} else if !os.IsNotExist(err) {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				limits, err := LoadTierLimits(path)
				if err != nil {
					log.Printf("tier limits reload skipped: %v", err)
					continue
				}
				policy.SetLimits(limits)
				log.Printf("tier limits reloaded: free=%d pro=%d", policy.Limits().Free, policy.Limits().Pro)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("tier limits watcher error: %v", err)
			}
		}
	}()
	return nil
}
