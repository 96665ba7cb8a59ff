// Package config loads an EngineConfig from a layered set of YAML/JSON
// documents plus environment-variable overrides, the way the rest of this
// module's ambient stack is configured: base -> env -> tenant -> env vars,
// each layer merged deterministically over the last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPath = errors.New("config: path escapes root")
	ErrNotFound    = errors.New("config: not found")
	ErrInvalid     = errors.New("config: invalid")
)

var (
	reTenant = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	reSeg    = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// EngineConfig is the external configuration surface from spec §6: the
// record a CLI/env/file layer hands the engine at startup.
type EngineConfig struct {
	Tenant            string         `json:"tenant" yaml:"tenant"`
	Workspace         string         `json:"workspace" yaml:"workspace"`
	AgentID           string         `json:"agent_id" yaml:"agent_id"`
	Deterministic     bool           `json:"deterministic" yaml:"deterministic"`
	MaxDelivery       int            `json:"max_delivery" yaml:"max_delivery"`
	BackoffScheduleMS []int          `json:"backoff_schedule_ms" yaml:"backoff_schedule_ms"`
	StoreDSN          string         `json:"store_dsn" yaml:"store_dsn"`
	BusConfig         map[string]any `json:"bus_config" yaml:"bus_config"`
}

// DefaultBackoffScheduleMS is the spec's example progressive backoff.
var DefaultBackoffScheduleMS = []int{1000, 5000, 10000, 30000, 60000}

// Validate enforces the fields the engine cannot safely start without.
func (c EngineConfig) Validate() error {
	if strings.TrimSpace(c.Tenant) == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalid)
	}
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("%w: workspace required", ErrInvalid)
	}
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("%w: agent_id required", ErrInvalid)
	}
	if c.MaxDelivery <= 0 {
		return fmt.Errorf("%w: max_delivery must be positive", ErrInvalid)
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("%w: store_dsn required", ErrInvalid)
	}
	return nil
}

// Loader reads a tiered document set rooted at a single directory:
//
//	<root>/base.{yaml,yml,json}
//	<root>/env/<env>.{yaml,yml,json}
//	<root>/tenants/<tenant>.{yaml,yml,json}
//
// Each present tier is decoded and merged over the previous one (later wins),
// then EnvPrefix-prefixed environment variables are applied as a final,
// highest-priority layer.
type Loader struct {
	rootAbs   string
	env       string
	tenant    string
	envPrefix string
}

// Options configures a Loader.
type Options struct {
	Env       string
	Tenant    string
	EnvPrefix string // default "AGENTRT_"
}

// NewLoader validates root exists and is usable, and validates env/tenant
// segment names so later path joins can never escape root.
func NewLoader(root string, opts Options) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		abs = resolved
	}
	if opts.Env != "" && !reSeg.MatchString(opts.Env) {
		return nil, fmt.Errorf("%w: invalid env segment %q", ErrInvalidPath, opts.Env)
	}
	if opts.Tenant != "" && !reTenant.MatchString(opts.Tenant) {
		return nil, fmt.Errorf("%w: invalid tenant segment %q", ErrInvalidPath, opts.Tenant)
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "AGENTRT_"
	}
	return &Loader{rootAbs: abs, env: opts.Env, tenant: opts.Tenant, envPrefix: prefix}, nil
}

// Load reads every present tier, merges them deterministically, applies
// environment overrides, and decodes the result into an EngineConfig.
func (l *Loader) Load() (EngineConfig, error) {
	var layers []map[string]any
	for _, tier := range l.tierPaths() {
		doc, ok, err := readDoc(tier)
		if err != nil {
			return EngineConfig{}, err
		}
		if ok {
			layers = append(layers, doc)
		}
	}
	merged, _ := MergeMany(layers, MergeOptions{})
	if ov := l.envOverrides(); len(ov) > 0 {
		merged, _ = Merge(merged, ov, MergeOptions{})
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var cfg EngineConfig
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(cfg.BackoffScheduleMS) == 0 {
		cfg.BackoffScheduleMS = DefaultBackoffScheduleMS
	}
	return cfg, cfg.Validate()
}

func (l *Loader) tierPaths() []string {
	var out []string
	out = append(out, filepath.Join(l.rootAbs, "base"))
	if l.env != "" {
		out = append(out, filepath.Join(l.rootAbs, "env", l.env))
	}
	if l.tenant != "" {
		out = append(out, filepath.Join(l.rootAbs, "tenants", l.tenant))
	}
	return out
}

// readDoc tries <stem>.yaml, <stem>.yml, <stem>.json in that order and
// decodes whichever exists first. Returns ok=false (not an error) if none
// of the three exist.
func readDoc(stem string) (map[string]any, bool, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := stem + ext
		if !withinRoot(filepath.Dir(stem), path) {
			return nil, false, fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, false, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
		var doc map[string]any
		if ext == ".json" {
			dec := json.NewDecoder(strings_NewReader(b))
			dec.UseNumber()
			if err := dec.Decode(&doc); err != nil {
				return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
		} else {
			if err := yaml.Unmarshal(b, &doc); err != nil {
				return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
			doc = normalizeYAMLMaps(doc)
		}
		return doc, true, nil
	}
	return nil, false, nil
}

func strings_NewReader(b []byte) *strings.Reader { return strings.NewReader(string(b)) }

// normalizeYAMLMaps converts any map[interface{}]interface{} nodes yaml.v3
// may have produced for nested maps into map[string]any, so the merge layer
// only ever deals with one map type.
func normalizeYAMLMaps(v any) map[string]any {
	out, _ := normalizeYAMLValue(v).(map[string]any)
	return out
}

func normalizeYAMLValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalizeYAMLValue(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeYAMLValue(vv)
		}
		return out
	default:
		return v
	}
}

func withinRoot(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// envOverrides reads AGENTRT_* (or Loader.envPrefix) environment variables
// into a flat override map, e.g. AGENTRT_MAX_DELIVERY=7 becomes
// {"max_delivery": 7}. Values are JSON-decoded when possible, else kept as
// strings.
func (l *Loader) envOverrides() map[string]any {
	out := map[string]any{}
	names := os.Environ()
	sort.Strings(names)
	for _, kv := range names {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		k, v := kv[:i], kv[i+1:]
		if !strings.HasPrefix(k, l.envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, l.envPrefix))
		if key == "" {
			continue
		}
		setPath(out, key, parseEnvValue(v))
	}
	return out
}

func setPath(m map[string]any, key string, v any) {
	m[key] = v
}

func parseEnvValue(v string) any {
	var n json.Number
	if err := json.Unmarshal([]byte(v), &n); err == nil {
		if f, err := n.Float64(); err == nil {
			if f == float64(int64(f)) {
				return int64(f)
			}
			return f
		}
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	var arr []any
	if err := json.Unmarshal([]byte(v), &arr); err == nil {
		return arr
	}
	return v
}
