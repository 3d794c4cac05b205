package traffic

import (
	"encoding/json"
	"fmt"

	"flowlens/internal/domain"
	"flowlens/internal/pce"
)

// ConvertFlows maps downloaded flow records onto store rows for queryID.
func ConvertFlows(queryID string, records []pce.FlowRecord) []domain.Flow {
	out := make([]domain.Flow, 0, len(records))
	for _, rec := range records {
		out = append(out, convertFlow(queryID, rec))
	}
	return out
}

func convertFlow(queryID string, rec pce.FlowRecord) domain.Flow {
	f := domain.Flow{
		QueryID:        queryID,
		SrcIP:          rec.Src.IP,
		DstIP:          rec.Dst.IP,
		PolicyDecision: rec.PolicyDecision,
		SrcWorkload:    workloadName(rec.Src.Workload),
		DstWorkload:    workloadName(rec.Dst.Workload),
		NumConnections: rec.NumConnections,
	}
	if rec.FlowDirection != "" {
		d := rec.FlowDirection
		f.FlowDirection = &d
	}
	if svc := rec.Service; svc != nil {
		f.Port = svc.Port
		f.Protocol = svc.Proto
		if name := serviceLabel(svc); name != "" {
			f.Service = &name
		}
	}
	if tr := rec.TimestampRange; tr != nil {
		if tr.FirstDetected != "" {
			v := tr.FirstDetected
			f.FirstDetected = &v
		}
		if tr.LastDetected != "" {
			v := tr.LastDetected
			f.LastDetected = &v
		}
	}
	if rule := rec.Rules.First(); rule != nil {
		if rule.Href != "" {
			v := rule.Href
			f.RuleRef = &v
		}
		if rule.Name != "" {
			v := rule.Name
			f.RuleName = &v
		}
	}
	if raw, err := json.Marshal(rec); err == nil {
		f.RawJSON = string(raw)
	}
	return f
}

func workloadName(w *pce.WorkloadRef) *string {
	if w == nil {
		return nil
	}
	name := w.Name
	if name == "" {
		name = w.Hostname
	}
	if name == "" {
		return nil
	}
	return &name
}

func serviceLabel(svc *pce.ServiceInfo) string {
	if svc.Name != "" {
		return svc.Name
	}
	if svc.Port != nil && svc.Proto != nil {
		return fmt.Sprintf("%d/%s", *svc.Port, protoName(*svc.Proto))
	}
	return ""
}

func protoName(proto int) string {
	switch proto {
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 1:
		return "icmp"
	default:
		return fmt.Sprintf("proto-%d", proto)
	}
}
