// Package prompt loads agent prompt templates. Templates ship embedded in
// the binary; an override directory can shadow any of them on disk, with
// optional hot reload so prompt iteration does not need a rebuild.
package prompt

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var embedded embed.FS

// Definition is one agent prompt file.
type Definition struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	SystemMessage string `yaml:"system_message"`
}

// Loader resolves prompt definitions by agent name.
type Loader struct {
	overrideDir string
	log         *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Definition

	watcher *fsnotify.Watcher
}

// NewLoader builds a Loader. overrideDir may be empty.
func NewLoader(overrideDir string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		overrideDir: overrideDir,
		log:         log,
		cache:       make(map[string]*Definition),
	}
}

// Load returns the prompt definition for an agent name, preferring the
// override directory over the embedded copy.
func (l *Loader) Load(name string) (*Definition, error) {
	l.mu.RLock()
	cached, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	def, err := l.read(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	return def, nil
}

func (l *Loader) read(name string) (*Definition, error) {
	filename := name + ".yaml"

	if l.overrideDir != "" {
		path := filepath.Join(l.overrideDir, filename)
		if data, err := os.ReadFile(path); err == nil {
			return parseDefinition(name, data)
		}
	}

	data, err := embedded.ReadFile("templates/" + filename)
	if err != nil {
		return nil, fmt.Errorf("no prompt template for agent %q", name)
	}
	return parseDefinition(name, data)
}

func parseDefinition(name string, data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing prompt %s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	if strings.TrimSpace(def.SystemMessage) == "" {
		return nil, fmt.Errorf("prompt %s has empty system_message", name)
	}
	return &def, nil
}

// Render fills a definition's system message with template variables.
func (d *Definition) Render(vars map[string]any) (string, error) {
	tpl, err := pongo2.FromString(d.SystemMessage)
	if err != nil {
		return "", fmt.Errorf("parsing prompt template %s: %w", d.Name, err)
	}

	out, err := tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", d.Name, err)
	}
	return out, nil
}

// Watch invalidates cached overrides when files under the override
// directory change. Returns a stop function; a no-op when no override
// directory is configured.
func (l *Loader) Watch() (func(), error) {
	if l.overrideDir == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating prompt watcher: %w", err)
	}
	if err := watcher.Add(l.overrideDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", l.overrideDir, err)
	}

	l.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")

				l.mu.Lock()
				delete(l.cache, name)
				l.mu.Unlock()

				l.log.Info("prompt override reloaded", "agent", name)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("prompt watcher error", "error", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
