package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

// Mode bundles the session parameters for one named preset.
type Mode struct {
	TranslationIntervalMs int `yaml:"translation_interval_ms"`
	PauseDetectionMs      int `yaml:"pause_detection_ms"`
	MinWords              int `yaml:"min_words"`
}

// Tuning is the hot-reloadable YAML file with the empirically tuned
// knobs: mode presets, term mappings, filler words, phrase hints and
// the overlap thresholds.
type Tuning struct {
	Modes        map[string]Mode     `yaml:"modes"`
	TermMappings []pipeline.TermRule `yaml:"term_mappings"`
	FillerWords  []string            `yaml:"filler_words"`
	PhraseHints  []string            `yaml:"phrase_hints"`
	PreOverlap   float64             `yaml:"pre_overlap_threshold"`
	PostOverlap  float64             `yaml:"post_overlap_threshold"`
	LCPThreshold float64             `yaml:"lcp_threshold"`
}

// DefaultTuning returns the built-in presets used when no tuning file
// is configured.
func DefaultTuning() *Tuning {
	return &Tuning{
		Modes: map[string]Mode{
			"talks":   {TranslationIntervalMs: 15000, PauseDetectionMs: 4000, MinWords: 6},
			"earbuds": {TranslationIntervalMs: 8000, PauseDetectionMs: 2500, MinWords: 3},
		},
		PreOverlap:   rules.DefaultPreOverlap,
		PostOverlap:  rules.DefaultPostOverlap,
		LCPThreshold: pipeline.DefaultLCPThreshold,
	}
}

// LoadTuning reads the YAML file over the defaults.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	return t, nil
}

// ValidMode reports whether name is a known preset.
func (t *Tuning) ValidMode(name string) bool {
	_, ok := t.Modes[name]
	return ok
}

// RulesOptions maps a mode preset onto engine options. An interval
// override of 0 keeps the preset's interval.
func (t *Tuning) RulesOptions(mode string, intervalOverride time.Duration) rules.Options {
	m, ok := t.Modes[mode]
	if !ok {
		m = t.Modes["talks"]
	}
	opts := rules.Options{
		TranslationInterval: time.Duration(m.TranslationIntervalMs) * time.Millisecond,
		PauseDetection:      time.Duration(m.PauseDetectionMs) * time.Millisecond,
		MinWords:            m.MinWords,
		PreOverlap:          t.PreOverlap,
		PostOverlap:         t.PostOverlap,
		ExtraFillers:        t.FillerWords,
	}
	if intervalOverride > 0 {
		opts.TranslationInterval = intervalOverride
	}
	return opts
}

// HotTuning wraps Tuning with hot-reload support.
type HotTuning struct {
	mu     sync.RWMutex
	tuning *Tuning
	path   string
	subs   []func(*Tuning)
	logger *slog.Logger
}

// NewHotTuning loads the file once; an empty path serves the built-in
// defaults with no watcher.
func NewHotTuning(path string, logger *slog.Logger) (*HotTuning, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ht := &HotTuning{tuning: DefaultTuning(), path: path, logger: logger}
	if path != "" {
		t, err := LoadTuning(path)
		if err != nil {
			return nil, err
		}
		ht.tuning = t
	}
	return ht, nil
}

// Get returns the current tuning snapshot.
func (ht *HotTuning) Get() *Tuning {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.tuning
}

// OnReload registers a callback for tuning changes. Register before
// Watch.
func (ht *HotTuning) OnReload(fn func(*Tuning)) {
	ht.subs = append(ht.subs, fn)
}

func (ht *HotTuning) reload() {
	t, err := LoadTuning(ht.path)
	if err != nil {
		ht.logger.Error("tuning reload failed", "error", err)
		return
	}
	ht.mu.Lock()
	ht.tuning = t
	ht.mu.Unlock()

	ht.logger.Info("tuning reloaded", "path", ht.path)
	for _, fn := range ht.subs {
		fn(t)
	}
}

// Watch starts watching the tuning file for changes. No-op without a
// file.
func (ht *HotTuning) Watch() {
	if ht.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ht.logger.Error("tuning watcher failed", "error", err)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					ht.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ht.logger.Error("tuning watcher error", "error", err)
			}
		}
	}()

	if err := watcher.Add(ht.path); err != nil {
		ht.logger.Error("watch tuning file failed", "path", ht.path, "error", err)
	}
}
