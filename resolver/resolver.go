// Package resolver turns a target URI into (endpoint list, service config,
// config selector) updates or errors (§4.10, §6), and holds the process-wide
// scheme registry (§9, "global registries").
package resolver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fullstorydev/rpcweave/serviceconfig"
)

// Address is one concrete network location within an Endpoint.
type Address struct {
	Addr       string
	ServerName string
	Attributes map[string]interface{}
}

// Endpoint is an ordered list of addresses considered equivalent for a
// single logical backend (GLOSSARY).
type Endpoint struct {
	Addresses []Address
}

// ConfigSelector picks the effective MethodConfig for a given method path.
// A resolver may supply one in State; this module provides no default
// implementation, and no package in it calls SelectConfig.
type ConfigSelector interface {
	SelectConfig(service, method string) *serviceconfig.MethodConfig
}

// State is one resolver update.
type State struct {
	Endpoints      []Endpoint
	ServiceConfig  *serviceconfig.Config
	ConfigSelector ConfigSelector
	// ServiceConfigErr is non-nil when the resolver attempted to fetch a
	// service config but failed to parse/select one; ServiceConfig is nil
	// in that case and §4.8's error-handling table applies.
	ServiceConfigErr error
}

// ClientConn is the resolver's view of its owner (normally the Channel, by
// way of the resolving load balancer): the callback surface a Resolver uses
// to publish updates and errors.
type ClientConn interface {
	UpdateState(State) error
	ReportError(error)
}

// BuildOptions carries resolver-construction-time parameters.
type BuildOptions struct {
	// DialCreds reports whether the channel is using secure transport
	// credentials; some resolvers (xds) gate behavior on this.
	DialCreds bool
}

// Resolver is the per-target instance a Builder constructs.
type Resolver interface {
	// ResolveNow is a best-effort hint to re-resolve soon; it never blocks.
	ResolveNow()
	Close()
}

// Builder constructs a Resolver for one target and registers itself under a
// URI scheme.
type Builder interface {
	Scheme() string
	Build(target Target, cc ClientConn, opts BuildOptions) (Resolver, error)
}

// Target is a parsed target URI: scheme:[//authority/]path (§6).
type Target struct {
	URI       string
	Scheme    string
	Authority string
	Endpoint  string
}

// ParseTarget parses a target URI of the form scheme:[//authority/]path. A
// string whose text before the first colon is not a valid scheme token, or
// names a scheme that is neither registered nor followed by "//", is treated
// as the endpoint of defaultScheme, matching how most RPC clients accept a
// bare "host:port" for convenience.
func ParseTarget(uri string, defaultScheme string) (Target, error) {
	if uri == "" {
		return Target{}, fmt.Errorf("resolver: empty target")
	}
	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return Target{URI: uri, Scheme: defaultScheme, Endpoint: uri}, nil
	}
	scheme := uri[:idx]
	rest := uri[idx+1:]
	if !isValidScheme(scheme) || (!strings.HasPrefix(rest, "//") && Get(scheme) == nil) {
		return Target{URI: uri, Scheme: defaultScheme, Endpoint: uri}, nil
	}
	var authority, endpoint string
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			authority = rest
			endpoint = ""
		} else {
			authority = rest[:slash]
			endpoint = rest[slash+1:]
		}
	} else {
		endpoint = rest
	}
	return Target{URI: uri, Scheme: scheme, Authority: authority, Endpoint: endpoint}, nil
}

func isValidScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9', r == '+', r == '-', r == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Builder)
)

// Register adds b to the global scheme registry. Per §9/§5, registries are
// mutated only during process startup (register-all init() calls) and
// treated as read-only thereafter; Register itself still takes a lock so
// that assumption is enforced rather than merely documented.
func Register(b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Scheme()] = b
}

// Get looks up a Builder by scheme.
func Get(scheme string) Builder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[scheme]
}
