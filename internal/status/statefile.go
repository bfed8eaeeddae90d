package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hramov/floatkeeper/internal/fsm"
)

// StateFile mirrors every transition into a file, for tooling that still
// reads the keepalived state file. The node's own state stays authoritative.
type StateFile struct {
	Path string
}

func (f StateFile) Run(_ context.Context, t fsm.Transition) error {
	content := fmt.Sprintf("STATE=%s\nNODE_ID=%s\nTIMESTAMP=%s\n",
		t.To, t.NodeID, t.At.UTC().Format(time.RFC3339Nano))
	return writeAtomic(f.Path, []byte(content))
}

// writeAtomic replaces path so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
