package resume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

const (
	partialSuffix = ".part"
	markerSuffix  = ".resume"
)

var (
	// ErrNotFound means no resume state exists for a destination.
	ErrNotFound = errors.New("resume state not found")
	// ErrUnresumable means resume state exists but cannot be trusted.
	ErrUnresumable = errors.New("resume state is unusable")
)

// State is the persisted progress of one partial download.
type State struct {
	Destination    string              `json:"destination"`
	BytesCompleted int64               `json:"bytes_completed"`
	TotalBytes     int64               `json:"total_bytes"`
	SourceURL      string              `json:"source_url"`
	Validator      httpProto.Validator `json:"validator"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Store persists State keyed by destination path.
type Store interface {
	// Load returns ErrNotFound when nothing was saved for dest, and an
	// error wrapping ErrUnresumable when the saved state does not match
	// the partial file on disk.
	Load(dest string) (*State, error)
	// Save must leave either the previous or the new state on disk.
	Save(state *State) error
	// Discard removes saved state for dest. Missing state is not an error.
	Discard(dest string) error
	io.Closer
}

// PartialPath is where the bytes of an incomplete download for dest live.
func PartialPath(dest string) string {
	return dest + partialSuffix
}

// MarkerPath is the sidecar file FileStore keeps next to the partial file.
func MarkerPath(dest string) string {
	return PartialPath(dest) + markerSuffix
}

// IsArtifact reports whether name looks like a partial or marker file.
func IsArtifact(name string) bool {
	return hasSuffix(name, partialSuffix) || hasSuffix(name, partialSuffix+markerSuffix)
}

func hasSuffix(s, suffix string) bool {
	return len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Validate checks st against itself and against the partial file on disk.
func Validate(st *State) error {
	if st.Destination == "" {
		return fmt.Errorf("%w: empty destination", ErrUnresumable)
	}
	if st.BytesCompleted < 0 {
		return fmt.Errorf("%w: negative byte count %d", ErrUnresumable, st.BytesCompleted)
	}
	if st.TotalBytes >= 0 && st.BytesCompleted > st.TotalBytes {
		return fmt.Errorf("%w: %d bytes completed of %d", ErrUnresumable, st.BytesCompleted, st.TotalBytes)
	}

	fi, err := os.Stat(PartialPath(st.Destination))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: partial file missing", ErrUnresumable)
		}
		return fmt.Errorf("%w: %v", ErrUnresumable, err)
	}
	if fi.Size() != st.BytesCompleted {
		return fmt.Errorf("%w: partial file has %d bytes, state records %d", ErrUnresumable, fi.Size(), st.BytesCompleted)
	}
	return nil
}

// Open returns the store named by kind: "file" (the default) or "bolt".
func Open(kind, dbPath string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(), nil
	case "bolt":
		return NewBoltStore(dbPath)
	default:
		return nil, fmt.Errorf("unknown resume store %q", kind)
	}
}
