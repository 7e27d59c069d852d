package alerting

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Recipients serves the newline-delimited chat-id list. The file is
// re-read on filesystem change events; a broken or vanished file keeps
// the last good list in place.
type Recipients struct {
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	ids []string
}

// NewRecipients loads the list once; the initial read must succeed.
func NewRecipients(path string, logger zerolog.Logger) (*Recipients, error) {
	r := &Recipients{
		path:   path,
		logger: logger.With().Str("component", "recipients").Logger(),
	}
	ids, err := readChatIDs(path)
	if err != nil {
		return nil, fmt.Errorf("load chat ids: %w", err)
	}
	r.ids = ids
	return r, nil
}

// ChatIDs returns the current list.
func (r *Recipients) ChatIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Watch re-reads the file whenever it changes, until the context ends.
func (r *Recipients) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("watch %s: %w", r.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("chat id watcher error")
		}
	}
}

func (r *Recipients) reload() {
	ids, err := readChatIDs(r.path)
	if err != nil {
		// Keep serving the previous list.
		r.logger.Warn().Err(err).Msg("chat id reload failed, keeping last good list")
		return
	}
	r.mu.Lock()
	r.ids = ids
	r.mu.Unlock()
	r.logger.Info().Int("count", len(ids)).Msg("chat id list reloaded")
}

func readChatIDs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	return ids, nil
}
