// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLineLength caps a buffered partial line; longer output is emitted in chunks.
const maxLineLength = 64 * 1024

// lineWriter forwards process output to a logger, one record per line.
type lineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineWriter(logger *slog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Write(line)
			break
		}
		w.emit(line[:len(line)-1])
	}

	for w.buf.Len() > maxLineLength {
		w.emit(w.buf.Next(maxLineLength))
	}

	return len(p), nil
}

// Flush emits any trailing output that did not end in a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info(string(line), slog.String("stream", w.stream))
}
