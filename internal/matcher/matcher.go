// Package matcher links interaction records to CRM contacts through a
// sequence of match passes: rule overrides, exact email, exact phone,
// then fuzzy email. Each pass only runs when the previous one produced
// nothing, and each match carries the method and confidence of the pass
// that produced it.
package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/normalize"
	"github.com/sells-group/sales-pipeline/internal/resilience"
	"github.com/sells-group/sales-pipeline/internal/store"
)

// FuzzyConfidenceCap bounds fuzzy match confidence below any exact pass.
const FuzzyConfidenceCap = 0.95

// Matcher resolves interaction participants against the contact mirror.
// Warehouse reads and writes go through the retry policy, so a transient
// connection drop does not abort a batch.
type Matcher struct {
	store          store.Store
	rules          *Rules
	fuzzyThreshold float64
	defaultRegion  string
	retry          resilience.Policy
	log            *zap.Logger
	now            func() time.Time
}

// New builds a Matcher. rules may be nil when no rules file is configured.
func New(s store.Store, rules *Rules, fuzzyThreshold float64, defaultRegion string, retry resilience.Policy) *Matcher {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = 0.8
	}
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Matcher{
		store:          s,
		rules:          rules,
		fuzzyThreshold: fuzzyThreshold,
		defaultRegion:  defaultRegion,
		retry:          retry,
		log:            zap.L().With(zap.String("component", "matcher")),
		now:            time.Now,
	}
}

// Resolve matches a single interaction record. It never returns a nil
// match: records that cannot be linked come back as method "unmatched"
// with confidence 0 so the decision is recorded; later batches revisit
// it once the contact mirror catches up.
func (m *Matcher) Resolve(ctx context.Context, rec model.InteractionRecord) (model.Match, error) {
	emails, phones := m.identifiers(rec)

	match, err := m.overridePass(ctx, rec, emails, phones)
	if err != nil {
		return model.Match{}, err
	}
	if match == nil {
		match, err = m.exactEmailPass(ctx, rec, emails)
		if err != nil {
			return model.Match{}, err
		}
	}
	if match == nil {
		match, err = m.exactPhonePass(ctx, rec, phones)
		if err != nil {
			return model.Match{}, err
		}
	}
	if match == nil {
		match, err = m.fuzzyEmailPass(ctx, rec, emails)
		if err != nil {
			return model.Match{}, err
		}
	}
	if match == nil {
		match = m.unmatched(rec, "no contact found for any participant identifier")
	}
	return *match, nil
}

// identifiers normalizes every participant into candidate emails and
// phones, dropping values that fail normalization.
func (m *Matcher) identifiers(rec model.InteractionRecord) (emails, phones []string) {
	seenEmail := make(map[string]bool)
	seenPhone := make(map[string]bool)
	for _, p := range rec.Participants {
		if e := normalize.Email(p); e != "" {
			e = m.rules.canonicalEmail(e)
			if !seenEmail[e] {
				seenEmail[e] = true
				emails = append(emails, e)
			}
			continue
		}
		if ph := normalize.Phone(p, m.defaultRegion); ph != "" && !seenPhone[ph] {
			seenPhone[ph] = true
			phones = append(phones, ph)
		}
	}
	return emails, phones
}

// overridePass applies operator-pinned identifiers from the rules file.
// An override whose contact no longer exists is skipped with a warning so
// the automatic passes still get a chance.
func (m *Matcher) overridePass(ctx context.Context, rec model.InteractionRecord, emails, phones []string) (*model.Match, error) {
	for _, id := range append(append([]string{}, emails...), phones...) {
		o, ok := m.rules.overrideFor(id)
		if !ok {
			continue
		}
		c, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) (*model.Contact, error) {
			return m.store.GetContact(ctx, o.ContactID)
		})
		if err != nil {
			return nil, err
		}
		if c == nil {
			m.log.Warn("override points at unknown contact",
				zap.String("identifier", id),
				zap.String("contact_id", o.ContactID))
			continue
		}
		note := o.Note
		if note == "" {
			note = fmt.Sprintf("manual override for %s", id)
		}
		return m.resolved(rec, *c, model.MatchManual, 1.0, note), nil
	}
	return nil, nil
}

func (m *Matcher) exactEmailPass(ctx context.Context, rec model.InteractionRecord, emails []string) (*model.Match, error) {
	for _, email := range emails {
		contacts, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) ([]model.Contact, error) {
			return m.store.FindContactsByEmail(ctx, email)
		})
		if err != nil {
			return nil, err
		}
		switch len(contacts) {
		case 0:
			continue
		case 1:
			return m.resolved(rec, contacts[0], model.MatchExactEmail, 1.0, ""), nil
		default:
			return m.ambiguous(rec, email, contacts), nil
		}
	}
	return nil, nil
}

func (m *Matcher) exactPhonePass(ctx context.Context, rec model.InteractionRecord, phones []string) (*model.Match, error) {
	for _, phone := range phones {
		contacts, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) ([]model.Contact, error) {
			return m.store.FindContactsByPhone(ctx, phone)
		})
		if err != nil {
			return nil, err
		}
		switch len(contacts) {
		case 0:
			continue
		case 1:
			return m.resolved(rec, contacts[0], model.MatchExactPhone, 1.0, ""), nil
		default:
			return m.ambiguous(rec, phone, contacts), nil
		}
	}
	return nil, nil
}

// fuzzyEmailPass compares the local part of each participant email
// against contacts sharing the same domain. The best candidate above
// the threshold wins; its similarity becomes the confidence, capped
// below exact-pass confidence.
func (m *Matcher) fuzzyEmailPass(ctx context.Context, rec model.InteractionRecord, emails []string) (*model.Match, error) {
	var (
		best      *model.Contact
		bestEmail string
		bestSim   float64
	)
	for _, email := range emails {
		domain := normalize.EmailDomain(email)
		if domain == "" {
			continue
		}
		local := normalize.EmailLocalPart(email)
		candidates, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) ([]model.Contact, error) {
			return m.store.FindContactsByEmailDomain(ctx, domain)
		})
		if err != nil {
			return nil, err
		}
		for i, c := range candidates {
			for _, ce := range c.Emails {
				if normalize.EmailDomain(ce) != domain {
					continue
				}
				sim := levenshtein.Similarity(local, normalize.EmailLocalPart(ce), nil)
				if sim >= m.fuzzyThreshold && sim > bestSim {
					best = &candidates[i]
					bestEmail = email
					bestSim = sim
				}
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	conf := bestSim
	if conf > FuzzyConfidenceCap {
		conf = FuzzyConfidenceCap
	}
	note := fmt.Sprintf("fuzzy email match on %s (similarity %.2f)", bestEmail, bestSim)
	return m.resolved(rec, *best, model.MatchFuzzy, conf, note), nil
}

func (m *Matcher) resolved(rec model.InteractionRecord, c model.Contact, method model.MatchMethod, conf float64, note string) *model.Match {
	contactID := c.ID
	accountID := c.AccountID
	return &model.Match{
		InteractionID: rec.ID,
		ContactID:     &contactID,
		AccountID:     &accountID,
		Method:        method,
		Confidence:    conf,
		Note:          note,
		MatchedAt:     m.now().UTC(),
	}
}

// ambiguous records a collision as unmatched rather than guessing. The
// note names the colliding contacts so an operator can add a manual match.
func (m *Matcher) ambiguous(rec model.InteractionRecord, identifier string, contacts []model.Contact) *model.Match {
	ids := make([]string, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	m.log.Warn("ambiguous identifier",
		zap.String("interaction_id", rec.ID),
		zap.String("identifier", identifier),
		zap.Strings("contact_ids", ids))
	return m.unmatched(rec, fmt.Sprintf("identifier %s matches multiple contacts: %s",
		identifier, strings.Join(ids, ", ")))
}

func (m *Matcher) unmatched(rec model.InteractionRecord, note string) *model.Match {
	return &model.Match{
		InteractionID: rec.ID,
		Method:        model.MatchUnmatched,
		Confidence:    0,
		Note:          note,
		MatchedAt:     m.now().UTC(),
	}
}
