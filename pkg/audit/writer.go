package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

const auditPrefix = "AUDIT: "

// WriterLog writes each record as a JSON line prefixed with "AUDIT: ". When Next is
// set, records are forwarded to it after being written, so a WriterLog can tee a
// durable log into a process log stream.
type WriterLog struct {
	mu     sync.Mutex
	writer io.Writer
	Next   Recorder
}

// NewWriterLog creates a WriterLog on w; nil means os.Stdout.
func NewWriterLog(w io.Writer) *WriterLog {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLog{writer: w}
}

func (l *WriterLog) RecordExecution(ctx context.Context, r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	bytes, err := json.Marshal(r)
	if err != nil {
		return err
	}

	line := make([]byte, 0, len(auditPrefix)+len(bytes)+1)
	line = append(append(append(line, auditPrefix...), bytes...), '\n')

	l.mu.Lock()
	_, err = l.writer.Write(line)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if l.Next != nil {
		return l.Next.RecordExecution(ctx, r)
	}
	return nil
}
