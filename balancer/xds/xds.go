// Package xds registers the xDS-derived policy names §4.6 lists as
// consumers of out-of-band config without implementing transport of their
// own: cds, eds, outlier_detection, weighted_target, and priority. Each is
// a thin wrapper around balancer/childhandler that parses its own JSON
// config shape into a childhandler.Config and otherwise defers entirely to
// whichever child policy that config names — none of them speak to an xDS
// control plane; that remains an external collaborator per §1.
package xds

import (
	"encoding/json"
	"fmt"

	"github.com/fullstorydev/rpcweave/balancer"
	"github.com/fullstorydev/rpcweave/balancer/childhandler"
)

func init() {
	balancer.Register(shim{name: "cds"})
	balancer.Register(shim{name: "eds"})
	balancer.Register(shim{name: "outlier_detection"})
	balancer.Register(shim{name: "weighted_target"})
	balancer.Register(shim{name: "priority"})
}

// rawConfig is the common envelope every one of these policies' JSON
// config shares: a nested child policy selection, expressed the way
// service config itself nests load-balancing-policy choices (§4.6).
type rawConfig struct {
	ChildPolicy []map[string]json.RawMessage `json:"childPolicy"`
}

type shim struct {
	name string
}

func (s shim) Name() string { return s.name }

func (s shim) Build(cc balancer.ClientConn) balancer.Balancer {
	return childhandler.New(cc)
}

// ParseConfig extracts the first recognized childPolicy entry's name and
// leaves its config blob opaque, matching how service config resolves a
// load-balancing-policy list down to the first policy the registry knows
// about (§4.6's selection rule, reused here at the child level).
func (s shim) ParseConfig(raw []byte) (interface{}, error) {
	var cfg rawConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("xds: %s: invalid config: %w", s.name, err)
	}
	for _, entry := range cfg.ChildPolicy {
		for name, childRaw := range entry {
			if _, ok := balancer.Get(name); !ok {
				continue
			}
			var childCfg interface{} = json.RawMessage(childRaw)
			if parser, ok := mustBuilder(name); ok {
				parsed, err := parser.ParseConfig(childRaw)
				if err != nil {
					return nil, fmt.Errorf("xds: %s: child %q config: %w", s.name, name, err)
				}
				childCfg = parsed
			}
			return childhandler.Config{ChildPolicyName: name, ChildConfig: childCfg}, nil
		}
	}
	return nil, fmt.Errorf("xds: %s: no recognized childPolicy entry", s.name)
}

func mustBuilder(name string) (balancer.ConfigParser, bool) {
	b, ok := balancer.Get(name)
	if !ok {
		return nil, false
	}
	parser, ok := b.(balancer.ConfigParser)
	return parser, ok
}
