package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

type usersFile struct {
	Users []User `toml:"users"`
}

// FileDirectory reads users from a TOML file and reloads it when the file
// changes on disk.
type FileDirectory struct {
	path string

	mu    sync.RWMutex
	users map[string]User

	watcher    *fsnotify.Watcher
	debounce   *time.Timer
	debounceMu sync.Mutex
}

// OpenFile loads path. A missing file yields an empty directory.
func OpenFile(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	users, err := d.readFromDisk()
	if err != nil {
		return nil, err
	}
	d.users = users
	return d, nil
}

func (d *FileDirectory) Path() string { return d.path }

func (d *FileDirectory) Get(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

func (d *FileDirectory) ListOthers(identity string) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]User, 0, len(d.users))
	for id, u := range d.users {
		if id != identity {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *FileDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Upsert adds or replaces u and rewrites the file.
func (d *FileDirectory) Upsert(u User) error {
	if err := ValidateUserID(u.ID); err != nil {
		return err
	}
	if u.TokenHash == "" {
		return ErrNoTokenHash
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]User, len(d.users)+1)
	for id, existing := range d.users {
		next[id] = existing
	}
	next[u.ID] = u

	if err := d.writeToDisk(next); err != nil {
		return err
	}
	d.users = next
	return nil
}

func (d *FileDirectory) readFromDisk() (map[string]User, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]User{}, nil
	}
	if err != nil {
		return nil, err
	}

	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", d.path, err)
	}

	users := make(map[string]User, len(f.Users))
	for _, u := range f.Users {
		if err := ValidateUserID(u.ID); err != nil {
			return nil, fmt.Errorf("user %q: %w", u.ID, err)
		}
		if _, dup := users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.ID)
		}
		users[u.ID] = u
	}
	return users, nil
}

func (d *FileDirectory) writeToDisk(users map[string]User) error {
	f := usersFile{Users: make([]User, 0, len(users))}
	for _, u := range users {
		f.Users = append(f.Users, u)
	}
	sort.Slice(f.Users, func(i, j int) bool { return f.Users[i].ID < f.Users[j].ID })

	data, err := toml.Marshal(f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

// --- fsnotify: pick up edits made outside the process ---

func (d *FileDirectory) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go d.watchLoop()
	slog.Info("user directory watching for changes", "path", d.path)
	return nil
}

func (d *FileDirectory) StopWatching() {
	d.debounceMu.Lock()
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounceMu.Unlock()

	if d.watcher != nil {
		d.watcher.Close()
	}
}

func (d *FileDirectory) watchLoop() {
	name := filepath.Base(d.path)
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			d.scheduleReload()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("user directory fsnotify error", "error", err)
		}
	}
}

const reloadDebounce = 100 * time.Millisecond

func (d *FileDirectory) scheduleReload() {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = time.AfterFunc(reloadDebounce, d.reload)
}

// reload keeps the previous users when the file is unreadable mid-edit.
func (d *FileDirectory) reload() {
	users, err := d.readFromDisk()
	if err != nil {
		slog.Error("failed to reload user directory", "path", d.path, "error", err)
		return
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()

	slog.Info("user directory reloaded", "path", d.path, "users", len(users))
}
