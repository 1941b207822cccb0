package ptnotes

import (
	"bytes"
	"encoding/xml"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Finding is one normalized record extracted from scanner output.
type Finding struct {
	IP       string
	Port     int
	Protocol string
	Service  string
	Evidence string
}

// ParseResult carries the findings of one document plus the errors
// of the records that had to be skipped. Parsing the same bytes
// again produces the same result.
type ParseResult struct {
	Findings []Finding
	Skipped  []error
}

func (r *ParseResult) skip(record string, err error) {
	r.Skipped = append(r.Skipped, &ParseError{Record: record, Err: err})
}

type Parser interface {
	Parse(raw []byte) (*ParseResult, error)
}

type parser struct{}

func NewParser() *parser {
	return &parser{}
}

// Parse sniffs the document root and dispatches to the matching
// format. Unknown roots and broken XML are document-fatal.
func (p *parser) Parse(raw []byte) (*ParseResult, error) {
	root, err := sniffRoot(raw)
	if err != nil {
		return nil, err
	}

	switch root {
	case "nmaprun":
		return parseNmap(raw)
	case "NessusClientData_v2":
		return parseNessus(raw)
	default:
		return nil, errors.Wrapf(ErrDocumentUnreadable, "unrecognized document root %q", root)
	}
}

func sniffRoot(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", errors.Wrapf(ErrDocumentUnreadable, "no document root: %v", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// NMAP
// ---

type nmapHost struct {
	Status    nmapStatus    `xml:"status"`
	Addresses []nmapAddress `xml:"address"`
	Ports     []nmapPort    `xml:"ports>port"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

// portid stays a string so one mangled port skips one record
// instead of failing the whole host element
type nmapPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   string      `xml:"portid,attr"`
	State    nmapState   `xml:"state"`
	Service  nmapService `xml:"service"`
}

type nmapState struct {
	State string `xml:"state,attr"`
}

type nmapService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

// address picks the first address usable as a host key. Scans of
// dual-homed boxes list mac addresses too; those never key a host.
func (h *nmapHost) address() string {
	for _, addr := range h.Addresses {
		if addr.AddrType == "mac" {
			continue
		}
		if net.ParseIP(addr.Addr) != nil {
			return addr.Addr
		}
	}
	return ""
}

func parseNmap(raw []byte) (*ParseResult, error) {
	res := &ParseResult{}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrDocumentUnreadable, "broken nmap document: %v", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "host" {
			continue
		}

		var host nmapHost
		if err := dec.DecodeElement(&host, &start); err != nil {
			res.skip("nmap host", err)
			continue
		}
		nmapHostFindings(&host, res)
	}
	return res, nil
}

func nmapHostFindings(h *nmapHost, res *ParseResult) {
	ip := h.address()
	if ip == "" {
		res.skip("nmap host", errors.New("no usable address"))
		return
	}

	var found int
	for _, port := range h.Ports {
		if port.State.State != "open" {
			continue
		}
		id, err := parsePort(port.PortID)
		if err != nil || id == HostPort {
			res.skip("nmap port", errors.Errorf("invalid port %q", port.PortID))
			continue
		}

		res.Findings = append(res.Findings, Finding{
			IP:       ip,
			Port:     id,
			Protocol: strings.ToLower(port.Protocol),
			Service:  port.Service.Name,
			Evidence: banner(port.Service.Product, port.Service.Version),
		})
		found++
	}

	// a live host with nothing listening still counts
	if found == 0 && h.Status.State == "up" {
		res.Findings = append(res.Findings, Finding{
			IP:       ip,
			Port:     HostPort,
			Protocol: "ip",
			Evidence: "host is up",
		})
	}
}

func banner(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// NESSUS
// ---

type nessusHost struct {
	Name  string       `xml:"name,attr"`
	Tags  []nessusTag  `xml:"HostProperties>tag"`
	Items []nessusItem `xml:"ReportItem"`
}

type nessusTag struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type nessusItem struct {
	Port         string `xml:"port,attr"`
	SvcName      string `xml:"svc_name,attr"`
	Protocol     string `xml:"protocol,attr"`
	PluginName   string `xml:"pluginName,attr"`
	PluginOutput string `xml:"plugin_output"`
}

func (h *nessusHost) address() string {
	for _, tag := range h.Tags {
		if tag.Name == "host-ip" && net.ParseIP(tag.Value) != nil {
			return tag.Value
		}
	}
	// older exports only carry the address in the report name
	if net.ParseIP(h.Name) != nil {
		return h.Name
	}
	return ""
}

func parseNessus(raw []byte) (*ParseResult, error) {
	res := &ParseResult{}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrDocumentUnreadable, "broken nessus document: %v", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "ReportHost" {
			continue
		}

		var host nessusHost
		if err := dec.DecodeElement(&host, &start); err != nil {
			res.skip("nessus report host", err)
			continue
		}
		nessusHostFindings(&host, res)
	}
	return res, nil
}

func nessusHostFindings(h *nessusHost, res *ParseResult) {
	ip := h.address()
	if ip == "" {
		res.skip("nessus report host", errors.Errorf("no usable address for %q", h.Name))
		return
	}

	for _, item := range h.Items {
		// port 0 is a host-level finding here, not an error
		port, err := parsePort(item.Port)
		if err != nil {
			res.skip("nessus report item", errors.Errorf("invalid port %q", item.Port))
			continue
		}

		evidence := strings.TrimSpace(item.PluginOutput)
		if evidence == "" {
			evidence = item.PluginName
		}

		res.Findings = append(res.Findings, Finding{
			IP:       ip,
			Port:     port,
			Protocol: strings.ToLower(item.Protocol),
			Service:  item.SvcName,
			Evidence: evidence,
		})
	}
}

func parsePort(val string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, errors.Errorf("port %d out of range", port)
	}
	return port, nil
}
