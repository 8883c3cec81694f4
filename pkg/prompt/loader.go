// Package prompt loads the system and user prompt templates used for
// generation and renders them with ${key} placeholders.
//
// Defaults are embedded in the binary. A directory with the same layout
// overrides them and can be watched for changes:
//
//	system/interview_system_v1.txt
//	system/learning_system_v1.txt
//	user/interview_user_v1.txt
//	user/learning_user_v1.txt
//	jobs.json
package prompt

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed templates
var embedded embed.FS

const (
	interviewSystemPath = "system/interview_system_v1.txt"
	learningSystemPath  = "system/learning_system_v1.txt"
	interviewUserPath   = "user/interview_user_v1.txt"
	learningUserPath    = "user/learning_user_v1.txt"
	jobsPath            = "jobs.json"

	reloadDelay = 100 * time.Millisecond
)

// Set is one consistent snapshot of all templates. System prompts already
// have the job catalogue injected.
type Set struct {
	InterviewSystem string
	LearningSystem  string
	InterviewUser   string
	LearningUser    string
}

// Loader holds the current template set.
type Loader struct {
	dir    string
	fsys   fs.FS
	logger *zap.Logger

	mu  sync.RWMutex
	set Set
}

// NewLoader loads the templates from dir, or the embedded defaults when dir
// is empty.
func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	l := &Loader{
		dir:    dir,
		logger: logger.With(zap.String("component", "prompt")),
	}

	if dir == "" {
		sub, err := fs.Sub(embedded, "templates")
		if err != nil {
			return nil, fmt.Errorf("open embedded templates: %w", err)
		}
		l.fsys = sub
	} else {
		l.fsys = os.DirFS(dir)
	}

	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Prompts returns the current template set.
func (l *Loader) Prompts() Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.set
}

// Reload reads every template again. On error the previous set is kept.
func (l *Loader) Reload() error {
	set, err := load(l.fsys)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
	return nil
}

func load(fsys fs.FS) (Set, error) {
	read := func(name string) (string, error) {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return "", fmt.Errorf("read prompt %s: %w", name, err)
		}
		return string(b), nil
	}

	raw, err := read(jobsPath)
	if err != nil {
		return Set{}, err
	}
	var jobs map[string][]string
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return Set{}, fmt.Errorf("parse %s: %w", jobsPath, err)
	}
	pretty, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return Set{}, fmt.Errorf("format %s: %w", jobsPath, err)
	}
	jobVars := map[string]string{"jobs": string(pretty)}

	var set Set
	for _, t := range []struct {
		path string
		dst  *string
		vars map[string]string
	}{
		{interviewSystemPath, &set.InterviewSystem, jobVars},
		{learningSystemPath, &set.LearningSystem, jobVars},
		{interviewUserPath, &set.InterviewUser, nil},
		{learningUserPath, &set.LearningUser, nil},
	} {
		text, err := read(t.path)
		if err != nil {
			return Set{}, err
		}
		*t.dst = Render(text, t.vars)
	}
	return set, nil
}

// Render replaces every ${key} in tmpl with vars[key]. Unknown placeholders
// are left as they are.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Watch reloads the templates whenever a file under the override directory
// changes, until ctx is done. It returns immediately for embedded defaults.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, sub := range []string{"", "system", "user"} {
		if err := watcher.Add(filepath.Join(l.dir, sub)); err != nil {
			return fmt.Errorf("watch %s: %w", filepath.Join(l.dir, sub), err)
		}
	}

	l.logger.Info("watching prompt templates", zap.String("dir", l.dir))

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors write files in several steps; reload once they settle.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := l.Reload(); err != nil {
				l.logger.Warn("keeping previous prompt templates", zap.Error(err))
				continue
			}
			l.logger.Info("reloaded prompt templates")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}
