package ptnotes

import (
	"fmt"
	"strings"
	"testing"
)

func nessusDoc(items string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<NessusClientData_v2>
  <Report name="test">
    <ReportHost name="box">
      <HostProperties><tag name="host-ip">10.0.0.7</tag></HostProperties>
      %s
    </ReportHost>
  </Report>
</NessusClientData_v2>`, items)
}

func TestImportAbsorbedThenDuplicate(t *testing.T) {
	store := newTestStore(t)
	importer := NewImporter(store)

	raw := []byte(nmapTwoHosts)

	report := importer.ImportDocument(raw, "nmap.xml")
	if report.Outcome != OutcomeAbsorbed {
		t.Fatalf("expected absorbed, got %s (%s)", report.Outcome, report.Reason)
	}
	first, err := store.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}

	report = importer.ImportDocument(raw, "nmap.xml")
	if report.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", report.Outcome)
	}
	second, err := store.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}

	if first != second {
		t.Errorf("duplicate import changed the store: %+v vs %+v", first, second)
	}
}

func TestImportPartialFailure(t *testing.T) {
	store := newTestStore(t)
	importer := NewImporter(store)

	var sb strings.Builder
	for port := 1; port <= 10; port++ {
		fmt.Fprintf(&sb, `<ReportItem port="%d" svc_name="svc%d" protocol="tcp" pluginName="Service Detection"/>`, port, port)
	}
	sb.WriteString(`<ReportItem port="nonsense" svc_name="bad" protocol="tcp" pluginName="Broken"/>`)

	report := importer.ImportDocument([]byte(nessusDoc(sb.String())), "partial.nessus")
	if report.Outcome != OutcomeAbsorbed {
		t.Fatalf("expected absorbed, got %s (%s)", report.Outcome, report.Reason)
	}
	if report.Findings != 10 {
		t.Errorf("expected 10 findings, got %d", report.Findings)
	}
	if report.Skipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", report.Skipped)
	}

	items, err := store.Items()
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(items) != 10 {
		t.Errorf("expected 10 stored items, got %d", len(items))
	}
}

func TestImportUnreadableStaysMarked(t *testing.T) {
	store := newTestStore(t)
	importer := NewImporter(store)

	report := importer.ImportDocument([]byte("not a scan at all"), "broken.xml")
	if report.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", report.Outcome)
	}
	if report.Reason == "" {
		t.Error("failed import should carry a reason")
	}

	// the ledger entry written before parsing is not rolled back
	report = importer.ImportDocument([]byte("not a scan at all"), "broken.xml")
	if report.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate after failure, got %s", report.Outcome)
	}

	// only an explicit clear makes it importable again
	if err := importer.ClearLedger("broken.xml"); err != nil {
		t.Fatalf("failed to clear ledger: %v", err)
	}
	report = importer.ImportDocument([]byte("not a scan at all"), "broken.xml")
	if report.Outcome != OutcomeFailed {
		t.Fatalf("expected failed after clear, got %s", report.Outcome)
	}
}

func TestImportBatchIndependence(t *testing.T) {
	store := newTestStore(t)
	importer := NewImporter(store)

	batch := map[string][]byte{
		"good.xml":   []byte(nmapTwoHosts),
		"broken.xml": []byte("garbage"),
	}

	outcomes := map[Outcome]int{}
	for filename, raw := range batch {
		report := importer.ImportDocument(raw, filename)
		outcomes[report.Outcome]++
	}

	if outcomes[OutcomeAbsorbed] != 1 || outcomes[OutcomeFailed] != 1 {
		t.Errorf("expected one absorbed and one failed, got %v", outcomes)
	}
}
