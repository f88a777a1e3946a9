// Package config reads the daemon's yaml configuration. A config path may be a
// single file or a directory of .yml and .yaml files which are merged in
// lexical order, later files overriding earlier ones.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	l    *logrus.Logger
	path string

	// Settings is the merged document. previous is what it was before the
	// last reload, nil until the first one.
	Settings map[string]any
	previous map[string]any

	mu        sync.Mutex
	callbacks []func(*C)
}

func NewC(l *logrus.Logger) *C {
	return &C{
		l:        l,
		Settings: make(map[string]any),
	}
}

// Load reads the file at path, or every yaml file below it when path is a
// directory.
func (c *C) Load(path string) error {
	files, err := configFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	settings, err := mergeFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.Settings = settings
	return nil
}

// LoadString replaces the settings with the yaml document in raw.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("Empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks should use HasChanged to skip work that is not needed and
// must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether the value below k differs between the settings
// before and after the last reload. An empty k compares everything. Values are
// compared by their yaml encoding, so reordered maps may count as a change.
func (c *C) HasChanged(k string) bool {
	if c.previous == nil {
		return false
	}

	name := k
	if name == "" {
		name = "all settings"
	}

	encode := func(settings map[string]any) string {
		b, err := yaml.Marshal(lookup(settings, k))
		if err != nil {
			c.l.WithField("config_path", name).WithError(err).Error("Error while marshaling config")
		}
		return string(b)
	}

	return encode(c.Settings) != encode(c.previous)
}

// CatchHUP reloads the config whenever the process gets a SIGHUP, until ctx is
// done. Configs that were not loaded from a path are never reloaded.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the path given to Load again and runs the reload
// callbacks. On error the current settings are kept.
func (c *C) ReloadConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := maps.Clone(c.Settings)
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}
	c.previous = previous

	for _, f := range c.callbacks {
		f(c)
	}
}

// Get returns the raw value at the dotted key k, nil if there is none.
func (c *C) Get(k string) any {
	return lookup(c.Settings, k)
}

// GetString returns the value at k formatted as a string, d if it is not set.
func (c *C) GetString(k, d string) string {
	v := c.Get(k)
	if v == nil {
		return d
	}
	return fmt.Sprint(v)
}

// GetInt returns the integer at k, d if it is not set or not a number.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetAddress returns the 32 bit address at k, d if it is not set or invalid.
// Addresses may be written in any base strconv understands, 0x48030000 being
// the usual form.
func (c *C) GetAddress(k string, d uint32) uint32 {
	v, err := strconv.ParseUint(c.GetString(k, ""), 0, 32)
	if err != nil {
		return d
	}
	return uint32(v)
}

// GetBool returns the boolean at k. Besides what strconv accepts, yes, y, no
// and n are understood in any case. Anything else yields d.
func (c *C) GetBool(k string, d bool) bool {
	s := strings.ToLower(c.GetString(k, ""))
	switch s {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

// GetDuration returns the duration at k, d if it is not set or invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// lookup walks the dotted key k through nested maps. An empty k returns the
// whole document.
func lookup(settings map[string]any, k string) any {
	if k == "" {
		return settings
	}

	var v any = settings
	for _, part := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[part]; !ok {
			return nil
		}
	}
	return v
}

// configFiles lists the files to load for path. A file named directly is used
// whatever its extension, below a directory only yaml files are picked up.
func configFiles(path string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(path, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading %s: %w", p, err)
		}
		if e.IsDir() {
			return nil
		}
		if p != path {
			if ext := filepath.Ext(p); ext != ".yaml" && ext != ".yml" {
				return nil
			}
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, abs)
		return nil
	})
	return files, err
}

// mergeFiles parses files in order. Later files override earlier ones and
// lists are appended.
func mergeFiles(files []string) (map[string]any, error) {
	var merged map[string]any
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}

		var m map[string]any
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if err := mergo.Merge(&m, merged, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		merged = m
	}
	return merged, nil
}
