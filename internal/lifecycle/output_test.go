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
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeRecords(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestLineWriter(t *testing.T) {
	t.Run("splits lines across writes", func(t *testing.T) {
		var out bytes.Buffer
		w := newLineWriter(slog.New(slog.NewJSONHandler(&out, nil)), "stdout")

		w.Write([]byte("hel"))
		w.Write([]byte("lo\r\nwor"))
		w.Write([]byte("ld\n\n"))

		records := decodeRecords(t, &out)
		if len(records) != 2 {
			t.Fatalf("got %d records, want 2", len(records))
		}
		if records[0]["msg"] != "hello" || records[1]["msg"] != "world" {
			t.Errorf("messages = %v, %v", records[0]["msg"], records[1]["msg"])
		}
		if records[0]["stream"] != "stdout" {
			t.Errorf("stream = %v, want stdout", records[0]["stream"])
		}
	})

	t.Run("large unterminated write stays within the line cap", func(t *testing.T) {
		var out bytes.Buffer
		w := newLineWriter(slog.New(slog.NewJSONHandler(&out, nil)), "stderr")

		payload := bytes.Repeat([]byte("x"), 16*maxLineLength)
		n, err := w.Write(payload)
		if err != nil || n != len(payload) {
			t.Fatalf("Write() = %d, %v", n, err)
		}

		if buffered := w.buf.Len(); buffered > maxLineLength {
			t.Errorf("buffered %d bytes, want at most %d", buffered, maxLineLength)
		}
		if got := len(decodeRecords(t, &out)); got != 15 {
			t.Errorf("got %d records before flush, want 15", got)
		}

		w.Flush()
		records := decodeRecords(t, &out)
		if len(records) != 16 {
			t.Fatalf("got %d records after flush, want 16", len(records))
		}
		for i, rec := range records {
			if msg, _ := rec["msg"].(string); len(msg) != maxLineLength {
				t.Errorf("record %d has %d bytes, want %d", i, len(msg), maxLineLength)
			}
		}
	})
}
