package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"scribe/cmd/internal/replica"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// textUpdate builds the encoded update a fresh replica produces when it inserts s into
// the named text.
func textUpdate(t *testing.T, doc *replica.Doc, name, s string) []byte {
	t.Helper()

	var got replica.Update
	cancel := doc.OnUpdate(func(u replica.Update, _ any) { got = u })
	defer cancel()

	txt := doc.Text(name)
	if err := txt.Insert(txt.Len(), s); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	raw, err := replica.EncodeUpdate(got)
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	return raw
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
