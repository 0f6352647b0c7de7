package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dumper writes the most recent prompts to a directory for inspection. Write
// failures are logged and otherwise ignored. A nil Dumper is a no-op.
type Dumper struct {
	dir string
	now func() time.Time
}

func NewDumper(dir string) *Dumper {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return &Dumper{dir: dir, now: time.Now}
}

// Dump replaces <dir>/latest_<label>.txt with msgs.
func (d *Dumper) Dump(label, sessionID string, msgs []Message) {
	if d == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# label: %s\n", label)
	fmt.Fprintf(&b, "# ts: %s\n", d.now().UTC().Format(time.RFC3339Nano))
	if sessionID != "" {
		fmt.Fprintf(&b, "# session_id: %s\n", sessionID)
	}
	fmt.Fprintf(&b, "# messages: %d\n\n", len(msgs))
	for i, m := range msgs {
		fmt.Fprintf(&b, "[%d] role=%s\n-----\n%s\n=====\n", i, m.Role, m.Content)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		slog.Debug("prompt dump skipped", "dir", d.dir, "error", err)
		return
	}
	path := filepath.Join(d.dir, "latest_"+label+".txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Debug("prompt dump failed", "path", path, "error", err)
	}
}
