package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog keeps records in memory. Safe for concurrent use.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]int)}
}

func (l *MemoryLog) RecordExecution(ctx context.Context, r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[r.RequestID]; ok && r.RequestID != "" {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.RequestID)
	}
	l.byID[r.RequestID] = len(l.records)
	l.records = append(l.records, r)
	return nil
}

func (l *MemoryLog) GetExecutions(ctx context.Context, f Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *MemoryLog) GetUsageToday(ctx context.Context, agentID string, now time.Time) (int64, error) {
	start, end := dayBounds(now)
	recs, err := l.GetExecutions(ctx, Filter{AgentID: agentID, Status: StatusSuccess, Since: start, Until: end})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range recs {
		total += r.Amount
	}
	return total, nil
}
