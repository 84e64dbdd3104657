// Package config loads per-inbox configuration from YAML with the same
// deterministic, layered merge the rest of the fleet uses: a base file,
// an optional per-environment overlay, then environment-variable
// overrides, strongest precedence last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRoot    = errors.New("config: invalid root")
	ErrInvalidOptions = errors.New("config: invalid options")
	ErrNotFound       = errors.New("config: not found")
	ErrTooManyFiles   = errors.New("config: too many files")
	ErrFileTooLarge   = errors.New("config: file too large")
	ErrInvalidYAML    = errors.New("config: invalid yaml")
	ErrNotObject      = errors.New("config: top-level must be a mapping")
)

// Mode mirrors inbox.Mode without importing it, so pkg/config has no
// dependency on pkg/inbox; the two are tied together only by string value
// at the call site (cmd/inboxd converts).
type Mode string

const (
	ModeDefault      Mode = "default"
	ModeBatched      Mode = "batched"
	ModeFIFO         Mode = "fifo"
	ModeFIFOBatched  Mode = "fifo_batched"
)

// InboxSpec is the YAML shape of one inbox's configuration (spec.md §6.3).
type InboxSpec struct {
	Name    string `yaml:"name"`
	Mode    Mode   `yaml:"mode"`
	Backend string `yaml:"backend"` // "sql" | "kv" | "mem"

	ReadBatchSize  int `yaml:"read_batch_size"`
	WriteBatchSize int `yaml:"write_batch_size"`

	MaxProcessingTime time.Duration `yaml:"max_processing_time"`
	PollingInterval   time.Duration `yaml:"polling_interval"`
	ReadDelay         time.Duration `yaml:"read_delay"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	MaxAttempts                  int           `yaml:"max_attempts"`
	EnableDeadLetter              bool          `yaml:"enable_dead_letter"`
	DeadLetterMaxMessageLifetime  time.Duration `yaml:"dead_letter_max_message_lifetime"`

	EnableDeduplication    bool          `yaml:"enable_deduplication"`
	DeduplicationInterval  time.Duration `yaml:"deduplication_interval"`

	EnableLockExtension    bool    `yaml:"enable_lock_extension"`
	LockExtensionThreshold float64 `yaml:"lock_extension_threshold"`

	MaxProcessingThreads int `yaml:"max_processing_threads"`
}

// Document is a raw loaded YAML document plus its tier for diagnostics.
type Document struct {
	Path string
	Tier string // base|env|explicit
	Data map[string]any
}

// Bundle is the result of a full layered load.
type Bundle struct {
	Env      string
	Docs     []Document
	Inboxes  []InboxSpec
	LoadedAt time.Time
}

// Options configures the Loader.
type Options struct {
	// Root is the directory containing inboxes.yaml and an optional env/
	// subdirectory. Required unless ExplicitPath is set.
	Root string
	// Env selects env/<Env>/inboxes.yaml as the second merge tier.
	Env string
	// ExplicitPath, if set, bypasses layering and loads exactly this file.
	ExplicitPath string

	// DisableEnvOverrides turns off the environment-variable merge tier.
	// Overrides are enabled by default; bool zero value can't distinguish
	// "not set" from "explicitly false", so the disable direction is the
	// one that needs an explicit flag.
	DisableEnvOverrides bool
	EnvPrefix           string // default "INBOX_"
	PathDelimiter       string // default "__"

	MaxFiles     int   // default 4
	MaxFileBytes int64 // default 2 MiB

	// OnWarn, if set, is called for non-fatal issues (skipped env override
	// segments, missing optional tiers, etc).
	OnWarn func(code, detail string)
}

type Loader struct {
	rootAbs string
	opts    Options
	reSeg   *regexp.Regexp
}

// NewLoader validates opts and roots the loader at an absolute directory.
func NewLoader(opts Options) (*Loader, error) {
	opts.Env = strings.TrimSpace(opts.Env)
	opts.ExplicitPath = strings.TrimSpace(opts.ExplicitPath)
	if opts.ExplicitPath == "" && strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("%w: root or explicit path required", ErrInvalidOptions)
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 4
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 2 * 1024 * 1024
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "INBOX_"
	}
	if opts.PathDelimiter == "" {
		opts.PathDelimiter = "__"
	}
	l := &Loader{
		opts:  opts,
		reSeg: regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`),
	}
	if opts.Root != "" {
		abs, err := filepath.Abs(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: not a directory", ErrInvalidRoot)
		}
		l.rootAbs = abs
	}
	return l, nil
}

func (l *Loader) warn(code, detail string) {
	if l.opts.OnWarn != nil {
		l.opts.OnWarn(code, detail)
	}
}

// Load reads the layered configuration, merges it, and decodes it into
// typed InboxSpec values. Validation happens here, at startup, per
// spec.md §7's "Configuration error" policy, rather than at first use.
func (l *Loader) Load() (*Bundle, error) {
	var docs []Document
	merged := map[string]any{}

	if l.opts.ExplicitPath != "" {
		doc, err := l.readFile(l.opts.ExplicitPath, "explicit")
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
		merged = deepMerge(merged, doc.Data)
	} else {
		tiers := l.tierPaths()
		if len(tiers) > l.opts.MaxFiles {
			return nil, ErrTooManyFiles
		}
		for _, t := range tiers {
			doc, err := l.readFile(t.path, t.tier)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					l.warn("tier_missing", t.path)
					continue
				}
				return nil, err
			}
			docs = append(docs, *doc)
			merged = deepMerge(merged, doc.Data)
		}
	}

	if !l.opts.DisableEnvOverrides {
		envMap, err := l.envOverrides()
		if err != nil {
			return nil, err
		}
		if len(envMap) > 0 {
			for k := range envMap {
				if _, isList := merged[k].([]any); isList {
					l.warn("env_override_skipped", k)
					delete(envMap, k)
				}
			}
			merged = deepMerge(merged, envMap)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Tier != docs[j].Tier {
			return tierRank(docs[i].Tier) < tierRank(docs[j].Tier)
		}
		return docs[i].Path < docs[j].Path
	})

	inboxes, err := decodeInboxes(merged)
	if err != nil {
		return nil, err
	}
	if err := validateInboxes(inboxes); err != nil {
		return nil, err
	}

	return &Bundle{
		Env:     l.opts.Env,
		Docs:    docs,
		Inboxes: inboxes,
	}, nil
}

type tierPath struct{ tier, path string }

func (l *Loader) tierPaths() []tierPath {
	out := []tierPath{{tier: "base", path: "inboxes.yaml"}}
	if l.opts.Env != "" {
		out = append(out, tierPath{tier: "env", path: filepath.Join("env", l.opts.Env, "inboxes.yaml")})
	}
	return out
}

func tierRank(tier string) int {
	switch tier {
	case "base":
		return 1
	case "env":
		return 2
	default:
		return 9
	}
}

func (l *Loader) readFile(relOrAbs, tier string) (*Document, error) {
	path := relOrAbs
	if !filepath.IsAbs(path) {
		if l.rootAbs == "" {
			return nil, ErrNotFound
		}
		path = filepath.Join(l.rootAbs, filepath.Clean(relOrAbs))
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.Size() > l.opts.MaxFileBytes {
		return nil, ErrFileTooLarge
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return &Document{Path: path, Tier: tier, Data: data}, nil
}

// envOverrides scans os.Environ() for EnvPrefix-matching variables and
// turns PathDelimiter-joined segments into a nested map, e.g.
// INBOX_ORDERS__MAX_ATTEMPTS=5 -> {"orders": {"max_attempts": "5"}}.
func (l *Loader) envOverrides() (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, l.opts.EnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, l.opts.EnvPrefix)
		segs := strings.Split(rest, l.opts.PathDelimiter)
		cur := out
		ok := true
		for i, seg := range segs {
			seg = strings.ToLower(seg)
			if !l.reSeg.MatchString(seg) {
				l.warn("env_override_skipped", key)
				ok = false
				break
			}
			if i == len(segs)-1 {
				cur[seg] = coerceScalar(val)
				continue
			}
			next, exists := cur[seg].(map[string]any)
			if !exists {
				next = map[string]any{}
				cur[seg] = next
			}
			cur = next
		}
		if !ok {
			continue
		}
	}
	return out, nil
}

func coerceScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// decodeInboxes pulls an "inboxes" list out of the merged map and decodes
// each entry into an InboxSpec via a YAML round-trip, so defaulting and
// type coercion stay identical between file-sourced and env-override
// values.
func decodeInboxes(merged map[string]any) ([]InboxSpec, error) {
	raw, ok := merged["inboxes"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: inboxes must be a list", ErrNotObject)
	}
	out := make([]InboxSpec, 0, len(list))
	for _, item := range list {
		b, err := yaml.Marshal(item)
		if err != nil {
			return nil, err
		}
		spec := defaultSpec()
		if err := yaml.Unmarshal(b, &spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func defaultSpec() InboxSpec {
	return InboxSpec{
		Mode:                   ModeDefault,
		ReadBatchSize:          100,
		MaxProcessingTime:      5 * time.Minute,
		PollingInterval:        5 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		MaxAttempts:            3,
		EnableDeadLetter:       true,
		EnableLockExtension:    true,
		LockExtensionThreshold: 0.5,
		MaxProcessingThreads:   1,
	}
}

func validateInboxes(specs []InboxSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: inbox name required", ErrInvalidOptions)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate inbox name %q", ErrInvalidOptions, s.Name)
		}
		seen[s.Name] = true
		switch s.Mode {
		case ModeDefault, ModeBatched, ModeFIFO, ModeFIFOBatched:
		default:
			return fmt.Errorf("%w: inbox %q: invalid mode %q", ErrInvalidOptions, s.Name, s.Mode)
		}
		switch s.Backend {
		case "sql", "kv", "mem":
		default:
			return fmt.Errorf("%w: inbox %q: invalid backend %q", ErrInvalidOptions, s.Name, s.Backend)
		}
		if s.LockExtensionThreshold < 0.1 || s.LockExtensionThreshold > 0.9 {
			return fmt.Errorf("%w: inbox %q: lock_extension_threshold must be in [0.1, 0.9]", ErrInvalidOptions, s.Name)
		}
		if s.MaxAttempts < 1 {
			return fmt.Errorf("%w: inbox %q: max_attempts must be >= 1", ErrInvalidOptions, s.Name)
		}
		if s.ReadBatchSize < 1 {
			return fmt.Errorf("%w: inbox %q: read_batch_size must be >= 1", ErrInvalidOptions, s.Name)
		}
		if s.MaxProcessingThreads < 1 {
			return fmt.Errorf("%w: inbox %q: max_processing_threads must be >= 1", ErrInvalidOptions, s.Name)
		}
	}
	return nil
}
