package ptnotes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	svc := &Services{
		Registry: newTestRegistry(t),
		Catalog:  path.Join(t.TempDir(), "attacks.yml"),
	}

	mux := http.NewServeMux()
	h := &handler{svc: svc}
	h.routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func createTestProject(t *testing.T, srv *httptest.Server, name string) uint {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/projects", "application/json",
		strings.NewReader(fmt.Sprintf(`{"name":%q}`, name)))
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var proj projectSummary
	decodeBody(t, resp, &proj)
	return proj.ID
}

func uploadScans(t *testing.T, srv *httptest.Server, pid uint, docs map[string]string) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for filename, doc := range docs {
		part, err := mw.CreateFormFile("scans", filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.WriteString(part, doc); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close form: %v", err)
	}

	url := fmt.Sprintf("%s/api/projects/%d/import", srv.URL, pid)
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("failed to upload scans: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	return body
}

func TestProjectEndpoints(t *testing.T) {
	srv := newTestAPI(t)

	pid := createTestProject(t, srv, "acme external")

	resp, err := http.Get(srv.URL + "/api/projects")
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	var projects []projectSummary
	decodeBody(t, resp, &projects)
	if len(projects) != 1 || projects[0].Name != "acme external" {
		t.Fatalf("unexpected project list: %+v", projects)
	}

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/projects/%d", srv.URL, pid), nil)
	if err != nil {
		t.Fatalf("failed to build delete request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("%s/api/projects/%d", srv.URL, pid))
	if err != nil {
		t.Fatalf("failed to get deleted project: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for deleted project, got %d", resp.StatusCode)
	}
}

func TestImportAndReportEndpoints(t *testing.T) {
	srv := newTestAPI(t)
	pid := createTestProject(t, srv, "acme internal")

	body := uploadScans(t, srv, pid, map[string]string{
		"nmap.xml":   nmapTwoHosts,
		"broken.xml": "not a scan",
	})

	reports, ok := body["reports"].([]any)
	if !ok || len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %v", body["reports"])
	}
	outcomes := map[string]int{}
	for _, r := range reports {
		outcomes[r.(map[string]any)["outcome"].(string)]++
	}
	if outcomes["absorbed"] != 1 || outcomes["failed"] != 1 {
		t.Errorf("expected one absorbed and one failed, got %v", outcomes)
	}

	// a second upload of the same file is a duplicate, not an error
	body = uploadScans(t, srv, pid, map[string]string{"nmap.xml": nmapTwoHosts})
	reports = body["reports"].([]any)
	if outcome := reports[0].(map[string]any)["outcome"]; outcome != "duplicate" {
		t.Errorf("expected duplicate, got %v", outcome)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/projects/%d", srv.URL, pid))
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}
	var report struct {
		Hosts []hostSummary `json:"hosts"`
	}
	decodeBody(t, resp, &report)
	if len(report.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %+v", report.Hosts)
	}
	if got := report.Hosts[0].TCP; len(got) != 2 || got[0] != 22 || got[1] != 80 {
		t.Errorf("expected tcp ports [22 80], got %v", got)
	}
	// the port-0 host shows up with no port summary
	if got := report.Hosts[1].TCP; len(got) != 0 {
		t.Errorf("host-level finding leaked into port summary: %v", got)
	}
}

func TestNoteEndpoints(t *testing.T) {
	srv := newTestAPI(t)
	pid := createTestProject(t, srv, "acme lab")

	uploadScans(t, srv, pid, map[string]string{"nmap.xml": nmapTwoHosts})

	url := fmt.Sprintf("%s/api/projects/%d/hosts/10.0.0.1", srv.URL, pid)
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"note":"domain controller"}`))
	if err != nil {
		t.Fatalf("failed to post note: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	var host struct {
		Note  string `json:"note"`
		Items []Item `json:"items"`
	}
	decodeBody(t, resp, &host)
	if host.Note != "domain controller" {
		t.Errorf("expected saved note, got %q", host.Note)
	}
	if len(host.Items) != 2 {
		t.Errorf("expected 2 items on the host, got %d", len(host.Items))
	}

	resp, err = http.Get(fmt.Sprintf("%s/api/projects/%d/hosts/10.9.9.9", srv.URL, pid))
	if err != nil {
		t.Fatalf("failed to get unknown host: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown host, got %d", resp.StatusCode)
	}
}
