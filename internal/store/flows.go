package store

import (
	"context"
	"database/sql"
	"time"

	"flowlens/internal/domain"
)

// ReplaceFlows replaces every stored flow of queryID with flows. The old
// rows are deleted in one short transaction; inserts then run in fixed
// size batches, each batch its own transaction, with a short pause
// between batches so concurrent readers get a turn. A batch that still
// fails after lock retries is logged and skipped rather than aborting
// the rest. Returns the number of rows actually stored.
//
// The query status row is deliberately not touched here; callers update
// it afterwards so a status of completed always implies readable rows.
func (s *Store) ReplaceFlows(ctx context.Context, queryID string, flows []domain.Flow) (int, error) {
	err := s.withTx(ctx, true, func(tx dbtx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM flows WHERE query_id=?`, queryID); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "query.flows_replacing", "query", queryID, map[string]any{"incoming": len(flows)})
	})
	if err != nil {
		return 0, err
	}

	size := s.batchSize()
	stored := 0
	for start := 0; start < len(flows); start += size {
		end := start + size
		if end > len(flows) {
			end = len(flows)
		}
		batch := flows[start:end]
		if err := s.insertFlowBatch(ctx, queryID, batch); err != nil {
			s.logf("flowlens: flow batch %d-%d for query %s failed, skipping: %v", start, end-1, queryID, err)
		} else {
			stored += len(batch)
		}
		if end < len(flows) {
			if err := pause(ctx, s.batchPause()); err != nil {
				return stored, err
			}
		}
	}
	return stored, nil
}

func (s *Store) insertFlowBatch(ctx context.Context, queryID string, batch []domain.Flow) error {
	return s.withTx(ctx, true, func(tx dbtx) error {
		for _, f := range batch {
			_, err := tx.ExecContext(ctx, `INSERT INTO flows(query_id,src_ip,src_workload,dst_ip,dst_workload,service,port,protocol,policy_decision,first_detected,last_detected,num_connections,flow_direction,rule_ref,rule_name,raw_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				queryID, f.SrcIP, nullableStringPtr(f.SrcWorkload), f.DstIP, nullableStringPtr(f.DstWorkload),
				nullableStringPtr(f.Service), nullableIntPtr(f.Port), nullableIntPtr(f.Protocol), f.PolicyDecision,
				nullableStringPtr(f.FirstDetected), nullableStringPtr(f.LastDetected), nullableIntPtr(f.NumConnections),
				nullableStringPtr(f.FlowDirection), nullableStringPtr(f.RuleRef), nullableStringPtr(f.RuleName), f.RawJSON)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ListFlows returns the stored flows of one query in insert order.
func (s *Store) ListFlows(ctx context.Context, queryID string) ([]domain.Flow, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,query_id,src_ip,src_workload,dst_ip,dst_workload,service,port,protocol,policy_decision,first_detected,last_detected,num_connections,flow_direction,rule_ref,rule_name,raw_json FROM flows WHERE query_id=? ORDER BY id`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFlow(rows *sql.Rows) (domain.Flow, error) {
	var f domain.Flow
	var srcWorkload, dstWorkload, service, firstDetected, lastDetected, flowDirection, ruleRef, ruleName sql.NullString
	var port, protocol, numConnections sql.NullInt64
	err := rows.Scan(&f.ID, &f.QueryID, &f.SrcIP, &srcWorkload, &f.DstIP, &dstWorkload, &service, &port, &protocol,
		&f.PolicyDecision, &firstDetected, &lastDetected, &numConnections, &flowDirection, &ruleRef, &ruleName, &f.RawJSON)
	if err != nil {
		return f, err
	}
	f.SrcWorkload = optionalString(srcWorkload)
	f.DstWorkload = optionalString(dstWorkload)
	f.Service = optionalString(service)
	f.Port = optionalInt(port)
	f.Protocol = optionalInt(protocol)
	f.FirstDetected = optionalString(firstDetected)
	f.LastDetected = optionalString(lastDetected)
	f.NumConnections = optionalInt(numConnections)
	f.FlowDirection = optionalString(flowDirection)
	f.RuleRef = optionalString(ruleRef)
	f.RuleName = optionalString(ruleName)
	return f, nil
}

// FlowStats aggregates the stored flows of one query: totals, count per
// policy decision and how many carry a resolved rule.
func (s *Store) FlowStats(ctx context.Context, queryID string) (domain.FlowStats, error) {
	stats := domain.FlowStats{QueryID: queryID, ByDecision: map[string]int{}}
	rows, err := s.DB.QueryContext(ctx, `SELECT policy_decision, COUNT(*), SUM(CASE WHEN rule_ref IS NOT NULL THEN 1 ELSE 0 END) FROM flows WHERE query_id=? GROUP BY policy_decision`, queryID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var decision string
		var count, withRule int
		if err := rows.Scan(&decision, &count, &withRule); err != nil {
			return stats, err
		}
		stats.ByDecision[decision] = count
		stats.Total += count
		stats.WithRule += withRule
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.Total > 0 {
		stats.RulesCoverage = float64(stats.WithRule) / float64(stats.Total) * 100
	}
	return stats, nil
}
