package ptnotes

import (
	"os"
	"path"
	"testing"
)

type ruleMatchTester struct {
	rule  Rule
	item  Item
	match bool
}

var ruleMatchTests = map[string]*ruleMatchTester{
	"port-exact": {
		rule:  Rule{Port: "22"},
		item:  Item{Port: 22, Protocol: "tcp", Service: "ssh"},
		match: true,
	},
	"port-mismatch": {
		rule:  Rule{Port: "22"},
		item:  Item{Port: 2222, Protocol: "tcp", Service: "ssh"},
		match: false,
	},
	"port-wildcard": {
		rule:  Rule{Port: "*", Service: "ssh"},
		item:  Item{Port: 2222, Protocol: "tcp", Service: "ssh"},
		match: true,
	},
	"service-case-insensitive": {
		rule:  Rule{Service: "HTTP"},
		item:  Item{Port: 80, Protocol: "tcp", Service: "http"},
		match: true,
	},
	"protocol-mismatch": {
		rule:  Rule{Port: "53", Protocol: "tcp"},
		item:  Item{Port: 53, Protocol: "udp", Service: "dns"},
		match: false,
	},
	"evidence-substring": {
		rule:  Rule{EvidenceContains: "apache/2.2"},
		item:  Item{Port: 80, Protocol: "tcp", Service: "http", Evidence: "Server: Apache/2.2.34"},
		match: true,
	},
	"evidence-missing": {
		rule:  Rule{EvidenceContains: "Apache/2.2"},
		item:  Item{Port: 80, Protocol: "tcp", Service: "http", Evidence: "nginx/1.25"},
		match: false,
	},
	"all-fields": {
		rule:  Rule{Port: "80", Protocol: "tcp", Service: "http", EvidenceContains: "Apache"},
		item:  Item{Port: 80, Protocol: "tcp", Service: "http", Evidence: "Apache httpd"},
		match: true,
	},
}

func TestRuleMatches(t *testing.T) {
	for tname, cfg := range ruleMatchTests {
		if got := cfg.rule.Matches(&cfg.item); got != cfg.match {
			t.Errorf("[%s] expected match=%v, got %v", tname, cfg.match, got)
		}
	}
}

func TestLoadCatalogFallsBackToDefaults(t *testing.T) {
	cat, err := LoadCatalog(path.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("missing catalog should fall back, got %v", err)
	}
	if len(cat.Rules) == 0 {
		t.Error("built-in catalog is empty")
	}
}

func TestLoadCatalogFile(t *testing.T) {
	fpath := path.Join(t.TempDir(), "attacks.yml")
	doc := `
rules:
  - id: custom-sig
    title: Custom signature
    port: "8443"
    protocol: tcp
    evidence-contains: self-signed
`
	if err := os.WriteFile(fpath, []byte(doc), 0600); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	cat, err := LoadCatalog(fpath)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	if len(cat.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cat.Rules))
	}

	rule := cat.Rules[0]
	if rule.ID != "custom-sig" || rule.Port != "8443" || rule.EvidenceContains != "self-signed" {
		t.Errorf("rule fields did not load: %+v", rule)
	}
}

func TestLoadCatalogRejectsBadRules(t *testing.T) {
	bad := map[string]string{
		"missing-id":   "rules:\n  - title: No id\n",
		"bad-port":     "rules:\n  - id: x\n    title: Bad port\n    port: eighty\n",
		"duplicate-id": "rules:\n  - id: x\n    title: One\n  - id: x\n    title: Two\n",
	}

	for tname, doc := range bad {
		fpath := path.Join(t.TempDir(), "attacks.yml")
		if err := os.WriteFile(fpath, []byte(doc), 0600); err != nil {
			t.Fatalf("[%s] failed to write catalog: %v", tname, err)
		}
		if _, err := LoadCatalog(fpath); err == nil {
			t.Errorf("[%s] expected load to fail", tname)
		}
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	if err := DefaultCatalog().validate(); err != nil {
		t.Errorf("built-in catalog invalid: %v", err)
	}
}
