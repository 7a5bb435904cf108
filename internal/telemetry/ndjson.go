package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// NDJSONSink appends one JSON record per line, flushing after every write so
// a crash loses at most the record in flight.
type NDJSONSink struct {
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewNDJSONSink(path string) (*NDJSONSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &NDJSONSink{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (n *NDJSONSink) Append(rec Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	payload, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal telemetry record: %v\n", err)
		return
	}
	if _, err := n.writer.Write(append(payload, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write telemetry record: %v\n", err)
		return
	}
	if err := n.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush telemetry log: %v\n", err)
	}
}

func (n *NDJSONSink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.writer.Flush(); err != nil {
		_ = n.file.Close()
		return err
	}
	return n.file.Close()
}
