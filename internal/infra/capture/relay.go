package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// LineMetrics counts relayed lines per stream.
type LineMetrics interface {
	ObserveCapturedLine(stream string)
}

// Relay forwards every line read from Source to Sink, tagged with Prefix.
type Relay struct {
	Prefix  string
	Source  io.Reader
	Sink    domain.LogSink
	Metrics LineMetrics
}

// Run reads until the source reaches EOF or is closed. ctx is checked
// between lines; to stop a relay blocked on an idle pipe, close the source.
// A trailing line without a delimiter is flushed before returning. Read
// errors end this relay only.
func (r *Relay) Run(ctx context.Context) error {
	if r.Source == nil || r.Sink == nil {
		return errors.New("relay source and sink are required")
	}
	reader := bufio.NewReader(r.Source)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.emit(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay %s: %w", r.Prefix, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Relay) emit(line string) {
	r.Sink.Log(r.Prefix, strings.TrimRight(line, "\r\n"))
	if r.Metrics != nil {
		r.Metrics.ObserveCapturedLine(r.Prefix)
	}
}
