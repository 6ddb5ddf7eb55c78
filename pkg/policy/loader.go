package policy

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of policy file events.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads Rego escalation policies from files and directory trees.
type Loader struct {
	logger zerolog.Logger
	delay  time.Duration
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		delay:  DefaultReloadDelay,
	}
}

// LoadFromPaths loads every policy under paths. A path that cannot be read
// is an error; inside a directory, unreadable or package-less files are
// logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			policies = append(policies, *p)
			continue
		}
		found, err := l.loadFromDirectory(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, found...)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Escalation policies read")
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, "_test.rego")
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	if !strings.HasSuffix(path, ".rego") {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	src := string(data)
	pkg := extractPackageName(src)
	if pkg == "" {
		return nil, fmt.Errorf("policy %s declares no package", path)
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(src),
		Rego:        src,
		Package:     pkg,
		Enabled:     true,
		Source:      path,
		LoadedAt:    time.Now(),
	}, nil
}

// leadingComment joins the first block of "#" comment lines.
func leadingComment(src string) string {
	var parts []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		text, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" && !strings.HasPrefix(text, "package") {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Watch blocks until ctx is cancelled, calling reload with the freshly read
// policies whenever a .rego file under paths changes. Directories created
// later are watched as they appear. A failed reload is logged and the
// previous policies stay active.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	for _, path := range paths {
		if err := addTree(w, path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	l.logger.Info().Strs("paths", paths).Msg("Watching escalation policies")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(w, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(l.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := l.reload(ctx, paths, reload); err != nil {
				l.logger.Error().Err(err).Msg("Keeping previous escalation policies")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// addTree watches path and, for a directory, every directory below it.
func addTree(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Escalation policies reloaded")
	return nil
}
