package ptnotes

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Correlator matches stored findings against the signature catalog
// and maintains the attack records of one project.
type Correlator struct {
	store   *scanRepo
	catalog *Catalog
}

func NewCorrelator(store *scanRepo, catalog *Catalog) *Correlator {
	return &Correlator{store: store, catalog: catalog}
}

// FindAttacks evaluates every catalog rule over the current items
// and upserts the matching attacks. Repeated runs change nothing
// except previously matched item sets; notes are never touched.
// Attacks are never deleted, so a rule that stops matching leaves
// its attack behind with an empty item set.
func (c *Correlator) FindAttacks() (int, error) {
	items, err := c.store.Items()
	if err != nil {
		return 0, err
	}

	var upserted int
	for i := range c.catalog.Rules {
		rule := &c.catalog.Rules[i]
		tokens := matchTokens(rule, items)

		if len(tokens) == 0 {
			// only recompute existing attacks; a rule that never
			// matched anything creates nothing
			existing, err := c.store.AttackBySignature(rule.ID)
			if err != nil {
				return upserted, err
			}
			if existing == nil {
				continue
			}
		}

		if _, err := c.store.UpsertAttack(rule.ID, rule.Title, tokens); err != nil {
			return upserted, err
		}
		upserted++

		log.Debug().
			Str("signature", rule.ID).
			Int("items", len(tokens)).
			Msg("attack upserted")
	}

	log.Info().Int("attacks", upserted).Msg("correlation run complete")
	return upserted, nil
}

// matchTokens collects the deduplicated, sorted "ip:port" tokens of
// the items a rule matches. Two evidence lines on the same port
// still yield one token.
func matchTokens(rule *Rule, items []*Item) []string {
	seen := map[string]bool{}
	var tokens []string
	for _, item := range items {
		if !rule.Matches(item) {
			continue
		}
		token := fmt.Sprintf("%s:%d", item.IP, item.Port)
		if seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokenLess(tokens[i], tokens[j])
	})
	return tokens
}

func tokenLess(a, b string) bool {
	ai, ap := splitToken(a)
	bi, bp := splitToken(b)
	if ai != bi {
		return ipLess(ai, bi)
	}
	return ap < bp
}

// splitToken splits an "ip:port" token back into its parts. Tokens
// come from matchTokens, so the port always parses.
func splitToken(token string) (string, int) {
	i := strings.LastIndex(token, ":")
	if i < 0 {
		return token, 0
	}
	port, _ := strconv.Atoi(token[i+1:])
	return token[:i], port
}
