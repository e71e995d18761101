package pagegate

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SitePolicy configures how requests to one domain are routed. The bypass
// flag comes from site configuration, never from inference.
type SitePolicy struct {
	// Domain the policy applies to, without scheme (e.g. "reader.example").
	Domain string `yaml:"domain" validate:"required,hostname_rfc1123"`

	// NeedsBypass routes the domain through the rendering context instead
	// of the direct HTTP path.
	NeedsBypass bool `yaml:"needs_bypass"`

	// RequireStrongClearance makes warmup insist on clearance cookies, not
	// just a genuine page load.
	RequireStrongClearance bool `yaml:"require_strong_clearance"`
}

// policyFile is the on-disk shape of a policy list.
type policyFile struct {
	Sites []SitePolicy `yaml:"sites" validate:"dive"`
}

// LoadPolicies reads site policies from a YAML file:
//
//	sites:
//	  - domain: hostile.example
//	    needs_bypass: true
//	  - domain: plain.example
func LoadPolicies(path string) ([]SitePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := validator.New().Struct(pf); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}
	return pf.Sites, nil
}

// policySet indexes policies by domain for lookup per request.
type policySet struct {
	byDomain map[string]SitePolicy
}

func newPolicySet(policies []SitePolicy) *policySet {
	ps := &policySet{byDomain: make(map[string]SitePolicy, len(policies))}
	for _, p := range policies {
		ps.byDomain[strings.ToLower(p.Domain)] = p
	}
	return ps
}

// forURL returns the policy for the URL's host. Unknown hosts get the zero
// policy: direct path, no bypass.
func (ps *policySet) forURL(rawURL string) SitePolicy {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SitePolicy{}
	}
	return ps.byDomain[strings.ToLower(u.Hostname())]
}
