package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"flowlens/internal/domain"
)

func sample() []domain.Flow {
	port := 443
	svc := "443/tcp"
	rule := "allow-web"
	return []domain.Flow{
		{SrcIP: "10.0.0.1", DstIP: "10.0.1.1", PolicyDecision: "allowed", Port: &port, Service: &svc, RuleName: &rule},
		{SrcIP: "10.0.0.2", DstIP: "10.0.1.2", PolicyDecision: "blocked"},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sample()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header + 2", len(records))
	}
	if records[0][0] != "src_ip" {
		t.Fatalf("header = %v", records[0])
	}
	if records[1][5] != "443" || records[1][12] != "allow-web" {
		t.Fatalf("row = %v", records[1])
	}
}

func TestWriteJSONEmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, nil); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var out []domain.Flow
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
}

func TestToFileInfersFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flows.json")
	if err := ToFile(path, "", sample()); err != nil {
		t.Fatalf("ToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []domain.Flow
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d flows, want 2", len(out))
	}
}
