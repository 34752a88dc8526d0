/*
Copyright 2025 the Fedpress Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package moderation

import (
	"encoding/csv"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BlockList is a server-wide domain deny list loaded from a CSV file. It
// supplements the per-account domain blocks stored in the database and
// reloads itself when the file changes.
type BlockList struct {
	lock    sync.Mutex
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
	domains map[string]struct{}
}

const blockListReloadDelay = time.Second * 5

func loadBlockList(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	domains := make(map[string]struct{})

	c := csv.NewReader(f)
	header := true
	for {
		record, err := c.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if header {
			header = false
			continue
		}

		domains[strings.ToLower(record[0])] = struct{}{}
	}

	return domains, nil
}

// NewBlockList loads a deny list and watches the file for changes.
func NewBlockList(log *slog.Logger, path string) (*BlockList, error) {
	domains, err := loadBlockList(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	absPath := filepath.Join(dir, filepath.Base(path))

	b := &BlockList{watcher: watcher, domains: domains}

	// editors replace rather than write in place, debounce both
	timer := time.NewTimer(math.MaxInt64)
	timer.Stop()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					timer.Stop()
					return
				}

				if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && event.Name == absPath {
					timer.Reset(blockListReloadDelay)
				}

			case <-timer.C:
				reloaded, err := loadBlockList(path)
				if err != nil {
					log.Warn("Failed to reload blocklist", "path", path, "error", err)
					continue
				}

				// an empty file is probably mid-rewrite, keep the old list
				if len(b.domains) > 0 && len(reloaded) == 0 {
					log.Warn("New blocklist is empty", "path", path)
					continue
				}

				b.lock.Lock()
				b.domains = reloaded
				b.lock.Unlock()
				log.Info("Reloaded blocklist", "path", path, "domains", len(reloaded))
			}
		}
	}()

	return b, nil
}

// Contains reports whether a domain is on the deny list.
func (b *BlockList) Contains(domain string) bool {
	if b == nil {
		return false
	}

	b.lock.Lock()
	_, contains := b.domains[strings.ToLower(domain)]
	b.lock.Unlock()
	return contains
}

// Close stops watching the file.
func (b *BlockList) Close() {
	b.watcher.Close()
	b.wg.Wait()
}
