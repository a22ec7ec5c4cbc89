// Package serviceconfig implements the service-config data model, its
// validation rules, and the TXT-record canary selection algorithm (§3,
// §4.10).
package serviceconfig

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
)

// MethodName identifies a method-config name entry: a service, optionally
// narrowed to one method.
type MethodName struct {
	Service string `json:"service"`
	Method  string `json:"method,omitempty"`
}

// MethodConfig is one entry of the methodConfig array.
type MethodConfig struct {
	Name            []MethodName `json:"name"`
	WaitForReady    *bool        `json:"waitForReady,omitempty"`
	Timeout         string       `json:"timeout,omitempty"`
	MaxRequestBytes *int64       `json:"maxRequestBytes,omitempty"`
	MaxResponseBytes *int64      `json:"maxResponseBytes,omitempty"`
}

// timeoutRE matches the `^\d+(\.\d{1,9})?s$` shape required of
// methodConfig.timeout (§3).
var timeoutRE = regexp.MustCompile(`^\d+(\.\d{1,9})?s$`)

// LoadBalancingConfig is a single-key map {policyName: rawConfig} as it
// appears in the loadBalancingConfig array. RawConfig stays a generic map;
// DecodeInto decodes it into a policy-specific struct via mapstructure, and
// the resolving load balancer re-marshals it to JSON for a policy's
// ParseConfig (§4.6, "typed lbConfig").
type LoadBalancingConfig struct {
	PolicyName string
	RawConfig  map[string]interface{}
}

func (l *LoadBalancingConfig) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("serviceconfig: loadBalancingConfig entry must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		l.PolicyName = k
		var generic map[string]interface{}
		if len(v) > 0 {
			if err := json.Unmarshal(v, &generic); err != nil {
				return fmt.Errorf("serviceconfig: decoding config for policy %q: %w", k, err)
			}
		}
		l.RawConfig = generic
	}
	return nil
}

// DecodeInto uses mapstructure to populate a policy-specific config struct
// from the generic RawConfig map, matching how packetd-style services decode
// dynamic config maps into typed options structs.
func (l *LoadBalancingConfig) DecodeInto(out interface{}) error {
	if l.RawConfig == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return fmt.Errorf("serviceconfig: building decoder for policy %q: %w", l.PolicyName, err)
	}
	return dec.Decode(l.RawConfig)
}

// Config is the parsed service-config document (§3).
type Config struct {
	LoadBalancingPolicy string                `json:"loadBalancingPolicy,omitempty"`
	LoadBalancingConfig []LoadBalancingConfig `json:"loadBalancingConfig,omitempty"`
	MethodConfig        []MethodConfig        `json:"methodConfig,omitempty"`
}

// Parse decodes a JSON service-config document and validates it.
func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("serviceconfig: invalid JSON: %w", err)
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the invariant from §3: no two name entries across the
// whole config may share the same (service, method) pair. It also checks
// each non-empty timeout string's shape. Every problem found is collected
// into a single multierror rather than stopping at the first, so a caller
// sees the whole picture (mirrors go-ucfg/multierror validation reporting in
// the wider pack).
func Validate(c *Config) error {
	var result error
	seen := make(map[MethodName]bool)
	for _, mc := range c.MethodConfig {
		if mc.Timeout != "" && !timeoutRE.MatchString(mc.Timeout) {
			result = multierror.Append(result, fmt.Errorf("serviceconfig: methodConfig has invalid timeout %q", mc.Timeout))
		}
		for _, name := range mc.Name {
			if seen[name] {
				result = multierror.Append(result, fmt.Errorf(
					"serviceconfig: duplicate methodConfig name entry for service %q method %q", name.Service, name.Method))
				continue
			}
			seen[name] = true
		}
	}
	return result
}

// CanaryChoice is one element of the grpc_config JSON array (§4.10).
type CanaryChoice struct {
	ClientLanguage []string        `json:"clientLanguage,omitempty"`
	Percentage     *int            `json:"percentage,omitempty"`
	ClientHostname []string        `json:"clientHostname,omitempty"`
	ServiceConfig  json.RawMessage `json:"serviceConfig"`
}

// ClientLanguageTag is this runtime's fixed language identifier, used by the
// clientLanguage canary filter.
const ClientLanguageTag = "go"

// SelectorOptions parameterizes canary selection so tests can fix the
// "random" percentile and the hostname instead of depending on real entropy
// and os.Hostname().
type SelectorOptions struct {
	// Percentile is a value in [0, 100); if nil, a fresh random value is
	// drawn per Select call.
	Percentile *float64
	// Hostname overrides os.Hostname() when non-empty.
	Hostname string
}

// Select runs the canary selection algorithm (§4.10) over a TXT-record-like
// list of strings: it finds the first record beginning with "grpc_config=",
// concatenates that record's subsequent lines, parses the JSON array, and
// returns the first non-skipped choice's serviceConfig.
func Select(txtRecords []string, opts SelectorOptions) (json.RawMessage, error) {
	raw, err := extractConfigJSON(txtRecords)
	if err != nil {
		return nil, err
	}

	var choices []json.RawMessage
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil, fmt.Errorf("serviceconfig: invalid grpc_config JSON array: %w", err)
	}

	hostname := opts.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	var errs error
	for _, rawChoice := range choices {
		choice, err := parseCanaryChoice(rawChoice)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if skip(choice, hostname, opts.Percentile) {
			continue
		}
		return choice.ServiceConfig, nil
	}
	if errs != nil {
		return nil, errs
	}
	return nil, fmt.Errorf("serviceconfig: no canary choice in grpc_config selected")
}

func extractConfigJSON(txtRecords []string) ([]byte, error) {
	const prefix = "grpc_config="
	for i, rec := range txtRecords {
		if strings.HasPrefix(rec, prefix) {
			var b strings.Builder
			b.WriteString(strings.TrimPrefix(rec, prefix))
			for _, cont := range txtRecords[i+1:] {
				b.WriteString(cont)
			}
			return []byte(b.String()), nil
		}
	}
	return nil, fmt.Errorf("serviceconfig: no grpc_config record found")
}

// allowedCanaryFields guards against unknown top-level fields in a canary
// choice (§4.10: "Unknown top-level fields in a canary choice are
// rejected").
var allowedCanaryFields = map[string]bool{
	"clientLanguage": true,
	"percentage":     true,
	"clientHostname": true,
	"serviceConfig":  true,
}

func parseCanaryChoice(raw json.RawMessage) (*CanaryChoice, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("serviceconfig: invalid canary choice: %w", err)
	}
	for k := range generic {
		if !allowedCanaryFields[k] {
			return nil, fmt.Errorf("serviceconfig: canary choice has unknown field %q", k)
		}
	}
	var c CanaryChoice
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("serviceconfig: invalid canary choice: %w", err)
	}
	return &c, nil
}

func skip(c *CanaryChoice, hostname string, percentile *float64) bool {
	if c.Percentage != nil {
		p := randomPercentile(percentile)
		if p >= float64(*c.Percentage) {
			return true
		}
	}
	if len(c.ClientHostname) > 0 && !contains(c.ClientHostname, hostname) {
		return true
	}
	if len(c.ClientLanguage) > 0 && !contains(c.ClientLanguage, ClientLanguageTag) {
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func randomPercentile(fixed *float64) float64 {
	if fixed != nil {
		return *fixed
	}
	return rand.Float64() * 100
}
