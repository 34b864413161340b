package linklist

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/logger"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

// DefaultInput is read by batch runs when no file is named.
const DefaultInput = "input.txt"

// FailedSuffix names the file failed links are written to, next to the input.
const FailedSuffix = ".failed"

type entry struct {
	Link string `yaml:"link"`
	Op   string `yaml:"op,omitempty"`
}

// Failure is a link that did not download, with the reason.
type Failure struct {
	URL         string
	Destination string
	Reason      string
}

// ReadFile loads jobs from path. See Parse for the accepted formats.
func ReadFile(path, downloadDir string) ([]common.DownloadJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading link list: %w", err)
	}

	jobs, err := Parse(data, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log := logger.With("linklist")
	log.Debug().Int("count", len(jobs)).Str("file", path).Msg("Entries loaded")
	return jobs, nil
}

// Parse reads either a YAML list of {link, op} entries or plain text with
// one URL per line, optionally followed by a destination. Blank lines and
// lines starting with # are ignored. Entries without a destination are
// saved under downloadDir using the file name from the URL; clashing
// names get a -(n) suffix.
func Parse(data []byte, downloadDir string) ([]common.DownloadJob, error) {
	var entries []entry
	var err error
	if isYAML(data) {
		entries, err = parseYAML(data)
	} else {
		entries, err = parseText(data)
	}
	if err != nil {
		return nil, err
	}

	return toJobs(entries, downloadDir)
}

func isYAML(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.HasPrefix(line, "- ") || line == "-"
	}
	return false
}

func parseYAML(data []byte) ([]entry, error) {
	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML link list: %w", err)
	}
	for i, e := range entries {
		if strings.TrimSpace(e.Link) == "" {
			return nil, fmt.Errorf("missing link for entry %d", i+1)
		}
	}
	return entries, nil
}

func parseText(data []byte) ([]entry, error) {
	var entries []entry

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			entries = append(entries, entry{Link: fields[0]})
		case 2:
			entries = append(entries, entry{Link: fields[0], Op: fields[1]})
		default:
			return nil, fmt.Errorf("line %d: expected a URL and an optional destination", lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func toJobs(entries []entry, downloadDir string) ([]common.DownloadJob, error) {
	jobs := make([]common.DownloadJob, 0, len(entries))
	taken := make(map[string]string, len(entries))

	for _, e := range entries {
		url := strings.TrimSpace(e.Link)
		dest := strings.TrimSpace(e.Op)

		if dest != "" {
			dest = filepath.Clean(dest)
			if prev, ok := taken[dest]; ok {
				if prev == url {
					continue
				}
				return nil, fmt.Errorf("destination %s is used by %s and %s", dest, prev, url)
			}
		} else {
			dest = filepath.Join(downloadDir, httpProto.FilenameFromURL(url))
			if prev, ok := taken[dest]; ok && prev == url {
				continue
			}
			dest = uniquePath(dest, taken)
		}

		taken[dest] = url
		jobs = append(jobs, common.DownloadJob{URL: url, Destination: dest})
	}

	return jobs, nil
}

func uniquePath(path string, taken map[string]string) string {
	if _, ok := taken[path]; !ok {
		return path
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, i, ext))
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// FailedPath returns where failures for input are recorded.
func FailedPath(input string) string {
	return input + FailedSuffix
}

// WriteFailed writes failures as a plain text link list, each line
// preceded by a comment with its reason, so the file can be fed back as
// input. Destinations containing spaces are left out. An empty list
// removes a stale file.
func WriteFailed(path string, failures []Failure) error {
	if len(failures) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	var b strings.Builder
	for _, f := range failures {
		reason := strings.ReplaceAll(f.Reason, "\n", " ")
		fmt.Fprintf(&b, "# %s\n%s", reason, f.URL)
		if f.Destination != "" && !strings.ContainsAny(f.Destination, " \t") {
			fmt.Fprintf(&b, " %s", f.Destination)
		}
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
