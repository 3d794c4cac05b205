// Package export writes stored flows to CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"flowlens/internal/domain"
)

var csvHeader = []string{
	"src_ip", "src_workload", "dst_ip", "dst_workload",
	"service", "port", "protocol", "policy_decision",
	"flow_direction", "num_connections", "first_detected", "last_detected",
	"rule_name", "rule_ref",
}

// WriteCSV writes flows as CSV with a header row.
func WriteCSV(w io.Writer, flows []domain.Flow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, f := range flows {
		rec := []string{
			f.SrcIP, deref(f.SrcWorkload), f.DstIP, deref(f.DstWorkload),
			deref(f.Service), derefInt(f.Port), derefInt(f.Protocol), f.PolicyDecision,
			deref(f.FlowDirection), derefInt(f.NumConnections), deref(f.FirstDetected), deref(f.LastDetected),
			deref(f.RuleName), deref(f.RuleRef),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes flows as an indented JSON array.
func WriteJSON(w io.Writer, flows []domain.Flow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if flows == nil {
		flows = []domain.Flow{}
	}
	return enc.Encode(flows)
}

// ToFile writes flows to path in the given format ("csv" or "json"); an
// empty format is inferred from the file extension.
func ToFile(path, format string, flows []domain.Flow) error {
	if format == "" {
		switch {
		case strings.HasSuffix(path, ".json"):
			format = "json"
		default:
			format = "csv"
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	switch format {
	case "csv":
		return WriteCSV(f, flows)
	case "json":
		return WriteJSON(f, flows)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
