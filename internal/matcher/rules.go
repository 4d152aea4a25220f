package matcher

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sales-pipeline/internal/normalize"
)

// Rules is the operator-maintained matching rules file. Overrides pin an
// identifier to a contact ahead of every automatic pass and produce
// manual matches; domain aliases fold acquired or vanity email domains
// into the canonical one before lookup.
type Rules struct {
	DomainAliases map[string]string `yaml:"domain_aliases"`
	Overrides     []Override        `yaml:"overrides"`
}

// Override pins one identifier (email or phone) to a contact.
type Override struct {
	Identifier string `yaml:"identifier"`
	ContactID  string `yaml:"contact_id"`
	Note       string `yaml:"note,omitempty"`
}

// LoadRules reads matching rules from a YAML file. Identifiers are
// normalized on load so lookups can compare them directly.
func LoadRules(path, defaultRegion string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "matcher: read rules %s", path)
	}

	// The YAML has a top-level "matching" key
	var wrapper struct {
		Matching Rules `yaml:"matching"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "matcher: parse rules %s", path)
	}

	rules := &wrapper.Matching
	aliases := make(map[string]string, len(rules.DomainAliases))
	for from, to := range rules.DomainAliases {
		from = strings.ToLower(strings.TrimSpace(from))
		to = strings.ToLower(strings.TrimSpace(to))
		if from == "" || to == "" {
			return nil, eris.Errorf("matcher: empty domain alias in %s", path)
		}
		aliases[from] = to
	}
	rules.DomainAliases = aliases

	for i, o := range rules.Overrides {
		id := normalizeIdentifier(o.Identifier, defaultRegion)
		if id == "" {
			return nil, eris.Errorf("matcher: override %d: unusable identifier %q", i, o.Identifier)
		}
		if o.ContactID == "" {
			return nil, eris.Errorf("matcher: override %d (%s): missing contact_id", i, o.Identifier)
		}
		rules.Overrides[i].Identifier = id
	}
	return rules, nil
}

// normalizeIdentifier tries email normalization first, then phone.
func normalizeIdentifier(raw, defaultRegion string) string {
	if e := normalize.Email(raw); e != "" {
		return e
	}
	return normalize.Phone(raw, defaultRegion)
}

// overrideFor returns the override pinned to a normalized identifier.
func (r *Rules) overrideFor(identifier string) (Override, bool) {
	if r == nil {
		return Override{}, false
	}
	for _, o := range r.Overrides {
		if o.Identifier == identifier {
			return o, true
		}
	}
	return Override{}, false
}

// canonicalEmail rewrites an email's domain through the alias table.
// Emails on unaliased domains pass through unchanged.
func (r *Rules) canonicalEmail(email string) string {
	if r == nil || len(r.DomainAliases) == 0 {
		return email
	}
	domain := normalize.EmailDomain(email)
	canonical, ok := r.DomainAliases[domain]
	if !ok || canonical == domain {
		return email
	}
	return normalize.EmailLocalPart(email) + "@" + canonical
}
