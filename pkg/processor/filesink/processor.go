// Package filesink provides the file_sink processor: one line per record
// appended to a local file.
package filesink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/processor"
)

const Type = "file_sink"

// Factory creates FileSink instances.
type Factory struct{}

func NewFactory() processor.Factory {
	return &Factory{}
}

func (f *Factory) ID() string   { return Type }
func (f *Factory) Name() string { return "File Sink" }

func (f *Factory) Description() string {
	return "Appends one line per record to a local file, creating the parent directory if absent"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Path of the output file. The parent directory is created if missing",
			},
		},
		"required": []string{"file_path"},
	}
}

func (f *Factory) Create(_ context.Context, id string, config map[string]any) (processor.Processor, error) {
	filePath, _ := config["file_path"].(string)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for %s: %w", filePath, err)
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for append: %w", filePath, err)
	}

	return &FileSink{
		id:       id,
		filePath: filePath,
		file:     file,
		writer:   bufio.NewWriter(file),
	}, nil
}

// FileSink appends record values to a file, flushing per record so the file
// is readable while the consumer runs.
type FileSink struct {
	id       string
	filePath string
	file     *os.File
	writer   *bufio.Writer
	mu       sync.Mutex
	closed   bool
}

func (p *FileSink) ID() string   { return p.id }
func (p *FileSink) Type() string { return Type }

func (p *FileSink) Process(_ context.Context, record *models.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: file sink %s already closed", processor.ErrPermanent, p.filePath)
	}

	if _, err := p.writer.Write(record.Value); err != nil {
		return fmt.Errorf("%w: write to %s: %w", processor.ErrPermanent, p.filePath, err)
	}

	if err := p.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: write to %s: %w", processor.ErrPermanent, p.filePath, err)
	}

	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", processor.ErrPermanent, p.filePath, err)
	}

	return nil
}

func (p *FileSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if err := p.writer.Flush(); err != nil {
		_ = p.file.Close()

		return fmt.Errorf("failed to flush %s on close: %w", p.filePath, err)
	}

	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", p.filePath, err)
	}

	return nil
}
