package ptnotes

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// A rule is one known-issue signature. Empty or "*" fields match
// anything; the rest narrow the match.
type Rule struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`

	// Exact port, or ""/"*" for any
	Port string `yaml:"port"`
	// tcp/udp; empty for any
	Protocol string `yaml:"protocol"`
	// Case-insensitive service name
	Service string `yaml:"service"`
	// Case-insensitive substring of the item evidence
	EvidenceContains string `yaml:"evidence-contains"`
}

func (r *Rule) wantsPort() (int, bool) {
	if r.Port == "" || r.Port == "*" {
		return 0, false
	}
	p, err := strconv.Atoi(r.Port)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Matches reports whether the item satisfies every field of the
// rule's predicate.
func (r *Rule) Matches(item *Item) bool {
	if port, ok := r.wantsPort(); ok && port != item.Port {
		return false
	}
	if r.Protocol != "" && !strings.EqualFold(r.Protocol, item.Protocol) {
		return false
	}
	if r.Service != "" && !strings.EqualFold(r.Service, item.Service) {
		return false
	}
	if r.EvidenceContains != "" &&
		!strings.Contains(strings.ToLower(item.Evidence), strings.ToLower(r.EvidenceContains)) {
		return false
	}
	return true
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return errors.New("rule without id")
	}
	if r.Title == "" {
		return errors.Errorf("rule %s without title", r.ID)
	}
	if r.Port != "" && r.Port != "*" {
		if _, err := strconv.Atoi(r.Port); err != nil {
			return errors.Errorf("rule %s: invalid port %q", r.ID, r.Port)
		}
	}
	return nil
}

// Catalog is the signature set the correlator evaluates. Loaded
// once per correlation run.
type Catalog struct {
	Rules []Rule `yaml:"rules"`
}

func (c *Catalog) validate() error {
	seen := map[string]bool{}
	for i := range c.Rules {
		if err := c.Rules[i].validate(); err != nil {
			return err
		}
		if seen[c.Rules[i].ID] {
			return errors.Errorf("duplicate rule id %s", c.Rules[i].ID)
		}
		seen[c.Rules[i].ID] = true
	}
	return nil
}

// LoadCatalog reads a YAML rule file. A missing file falls back to
// the built-in catalog; a present but broken file is an error.
func LoadCatalog(fpath string) (*Catalog, error) {
	raw, err := os.ReadFile(fpath)
	if os.IsNotExist(err) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read catalog")
	}

	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog")
	}
	if err := cat.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid catalog")
	}
	return &cat, nil
}

// DefaultCatalog covers the classics worth flagging on any
// engagement without operator-supplied rules.
func DefaultCatalog() *Catalog {
	return &Catalog{Rules: []Rule{
		{
			ID:    "cleartext-telnet",
			Title: "Telnet service exposes credentials in cleartext",
			Port:  "23", Protocol: ProtoTCP,
		},
		{
			ID:    "cleartext-ftp",
			Title: "FTP service exposes credentials in cleartext",
			Service: "ftp", Protocol: ProtoTCP,
		},
		{
			ID:    "smb-exposed",
			Title: "SMB service reachable, check signing and null sessions",
			Port:  "445", Protocol: ProtoTCP,
		},
		{
			ID:    "msrpc-exposed",
			Title: "MSRPC endpoint mapper reachable",
			Port:  "135", Protocol: ProtoTCP,
		},
		{
			ID:    "rdp-exposed",
			Title: "RDP service reachable, check NLA and known CVEs",
			Port:  "3389", Protocol: ProtoTCP,
		},
		{
			ID:    "vnc-exposed",
			Title: "VNC service reachable, check authentication",
			Service: "vnc", Protocol: ProtoTCP,
		},
		{
			ID:    "snmp-default-community",
			Title: "SNMP service reachable, try default community strings",
			Port:  "161", Protocol: ProtoUDP,
		},
		{
			ID:    "apache-22-eol",
			Title: "Apache 2.2 is end of life",
			Service: "http", EvidenceContains: "Apache/2.2",
		},
		{
			ID:    "iis-6-eol",
			Title: "IIS 6.0 is end of life",
			EvidenceContains: "Microsoft-IIS/6.0",
		},
		{
			ID:    "openssh-legacy",
			Title: "Legacy OpenSSH, verify patch level",
			Service: "ssh", EvidenceContains: "OpenSSH 4.",
		},
	}}
}
