// Package config loads the proxy's routing and rewrite tables.
//
// A configuration file carries three keys:
//
//	BACKEND_URL     base URL of the OpenAI-compatible backend
//	ROUTING_RULES   virtual model -> {models: {context length: model}, threshold}
//	REWRITE_RULES   backend model -> {field: value, ...}
//
// JSON, YAML and TOML files are accepted. Every format is normalized to JSON
// first and parsed by one code path. JSON and YAML keep the declared order of
// rewrite fields. TOML tables decode unordered, so TOML rewrite fields apply in
// lexical key order.
//
// A loaded Config is never modified and is safe to share between goroutines.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/pkg/rewrite"
	"github.com/lkarlslund/rewriteproxy/pkg/routing"
	"github.com/tidwall/gjson"
)

const (
	defaultConfigFileName = "config.json"

	KeyBackendURL   = "BACKEND_URL"
	KeyRewriteRules = "REWRITE_RULES"
	KeyRoutingRules = "ROUTING_RULES"
)

var (
	ErrNoBackend     = errors.New("BACKEND_URL is required")
	ErrUnknownFormat = errors.New("unknown config format")
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

type Config struct {
	BackendURL   string
	RewriteRules map[string]rewrite.RuleSet
	RoutingRules map[string]routing.Rule
	// Path is the file the config was loaded from, if any.
	Path string
}

func DefaultConfigPath() string {
	return defaultConfigFileName
}

// FormatForPath picks a format from the file extension. Unknown extensions
// are read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func Parse(b []byte, format Format) (*Config, error) {
	var (
		doc []byte
		err error
	)
	switch format {
	case FormatJSON:
		doc = stripLineComments(b)
	case FormatYAML:
		doc, err = yamlToJSON(b)
	case FormatTOML:
		doc, err = tomlToJSON(b)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := parseDocument(doc)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stripLineComments drops lines whose first non-blank characters are "//".
func stripLineComments(b []byte) []byte {
	lines := strings.Split(string(b), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}

func parseDocument(doc []byte) (*Config, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errors.New("parse config: invalid JSON")
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return nil, errors.New("parse config: top level must be an object")
	}
	cfg := &Config{
		RewriteRules: map[string]rewrite.RuleSet{},
		RoutingRules: map[string]routing.Rule{},
	}

	backend := root.Get(KeyBackendURL)
	if backend.Exists() && backend.Type != gjson.String {
		return nil, fmt.Errorf("%s must be a string", KeyBackendURL)
	}
	cfg.BackendURL = backend.String()

	if rules := root.Get(KeyRewriteRules); rules.Exists() && rules.Type != gjson.Null {
		if !rules.IsObject() {
			return nil, fmt.Errorf("%s must be an object", KeyRewriteRules)
		}
		var perr error
		rules.ForEach(func(model, rule gjson.Result) bool {
			if !rule.IsObject() {
				perr = fmt.Errorf("%s[%q] must be an object", KeyRewriteRules, model.String())
				return false
			}
			var fields []rewrite.Field
			rule.ForEach(func(k, v gjson.Result) bool {
				fields = append(fields, rewrite.Field{Name: k.String(), Value: []byte(v.Raw)})
				return true
			})
			rs, err := rewrite.NewRuleSet(fields)
			if err != nil {
				perr = fmt.Errorf("%s[%q]: %w", KeyRewriteRules, model.String(), err)
				return false
			}
			cfg.RewriteRules[model.String()] = rs
			return true
		})
		if perr != nil {
			return nil, perr
		}
	}

	if rules := root.Get(KeyRoutingRules); rules.Exists() && rules.Type != gjson.Null {
		if !rules.IsObject() {
			return nil, fmt.Errorf("%s must be an object", KeyRoutingRules)
		}
		var perr error
		rules.ForEach(func(model, v gjson.Result) bool {
			rule, err := routing.ParseRule(v)
			if err != nil {
				perr = fmt.Errorf("%s[%q]: %w", KeyRoutingRules, model.String(), err)
				return false
			}
			if rule.Malformed != "" {
				log.Warn("routing rule will not substitute", "model", model.String(), "reason", rule.Malformed)
			}
			cfg.RoutingRules[model.String()] = rule
			return true
		})
		if perr != nil {
			return nil, perr
		}
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return ErrNoBackend
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyBackendURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", KeyBackendURL, c.BackendURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", KeyBackendURL, c.BackendURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%s must not carry a query or fragment", KeyBackendURL)
	}
	for model := range c.RoutingRules {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("%s has an empty model name", KeyRoutingRules)
		}
	}
	for model := range c.RewriteRules {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("%s has an empty model name", KeyRewriteRules)
		}
	}
	return nil
}

// RoutingModels returns the virtual model names in sorted order.
func (c *Config) RoutingModels() []string {
	return sortedKeys(c.RoutingRules)
}

// RewriteModels returns the rewritten model names in sorted order.
func (c *Config) RewriteModels() []string {
	return sortedKeys(c.RewriteRules)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
