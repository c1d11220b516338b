package queue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jupark12/pcr-intake/models"
	"github.com/rs/zerolog"
)

const (
	quarantineStampLayout = "20060102_150405"
	sidecarSuffix         = ".error.txt"
	maxNameAttempts       = 1000
)

// DirQueue treats a directory of PDFs as a work queue. Items are consumed
// oldest first and leave the directory either by deletion or by quarantine.
type DirQueue struct {
	dir           string
	quarantineDir string
	now           func() time.Time
	log           zerolog.Logger
}

// NewDirQueue creates a queue over dir, quarantining into quarantineDir
func NewDirQueue(dir, quarantineDir string, log zerolog.Logger) (*DirQueue, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("work directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("work directory %s is not a directory", dir)
	}
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}

	return &DirQueue{
		dir:           dir,
		quarantineDir: quarantineDir,
		now:           time.Now,
		log:           log.With().Str("component", "dir_queue").Logger(),
	}, nil
}

func (q *DirQueue) Dir() string           { return q.dir }
func (q *DirQueue) QuarantineDir() string { return q.quarantineDir }

// Scan lists the PDFs waiting in the work directory, oldest modification
// time first. Ties are broken by name so the order is stable.
func (q *DirQueue) Scan() ([]models.WorkItem, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read work directory: %w", err)
	}

	items := make([]models.WorkItem, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		items = append(items, models.WorkItem{
			Path:    filepath.Join(q.dir, name),
			Name:    name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].ModTime.Before(items[j].ModTime)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// Complete removes a successfully persisted item from the work directory
func (q *DirQueue) Complete(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Quarantine moves path into the quarantine directory under a
// timestamp-qualified name and writes a diagnostic sidecar next to it.
// The sidecar is staged before the move so a quarantined PDF never lacks
// one; if the move fails the staged sidecar is discarded and the PDF stays
// where it was.
func (q *DirQueue) Quarantine(path, reason string) (*models.QuarantineItem, error) {
	now := q.now()
	original := filepath.Base(path)
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(original, ext)
	if ext == "" {
		ext = ".pdf"
	}

	base, err := q.freeName(fmt.Sprintf("%s_%s", stem, now.Format(quarantineStampLayout)), ext)
	if err != nil {
		return nil, err
	}

	item := &models.QuarantineItem{
		OriginalName:    original,
		QuarantinedName: base + ext,
		SidecarName:     base + sidecarSuffix,
		Timestamp:       now,
		Error:           reason,
	}

	staged, err := q.stageSidecar(item)
	if err != nil {
		return nil, err
	}

	pdfTarget := filepath.Join(q.quarantineDir, item.QuarantinedName)
	if err := os.Rename(path, pdfTarget); err != nil {
		_ = os.Remove(staged)
		return nil, fmt.Errorf("move to quarantine: %w", err)
	}

	if err := os.Rename(staged, filepath.Join(q.quarantineDir, item.SidecarName)); err != nil {
		_ = os.Remove(staged)
		return item, fmt.Errorf("finalize sidecar for %s: %w", item.QuarantinedName, err)
	}

	q.log.Warn().
		Str("file", original).
		Str("quarantined_as", item.QuarantinedName).
		Str("error", reason).
		Msg("quarantined work item")
	return item, nil
}

// freeName returns a base name for which neither the PDF nor the sidecar
// exists yet in the quarantine directory
func (q *DirQueue) freeName(base, ext string) (string, error) {
	candidate := base
	for n := 1; n <= maxNameAttempts; n++ {
		if !exists(filepath.Join(q.quarantineDir, candidate+ext)) &&
			!exists(filepath.Join(q.quarantineDir, candidate+sidecarSuffix)) {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
	return "", fmt.Errorf("no free quarantine name for %s", base)
}

func (q *DirQueue) stageSidecar(item *models.QuarantineItem) (string, error) {
	tmp, err := os.CreateTemp(q.quarantineDir, ".sidecar-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp sidecar: %w", err)
	}
	tmpName := tmp.Name()

	body := fmt.Sprintf("Timestamp: %s\nOriginal file: %s\nError: %s\n",
		item.Timestamp.Format(time.RFC3339Nano), item.OriginalName, item.Error)

	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp sidecar: %w", err)
	}
	return tmpName, nil
}

// ListQuarantine reads every sidecar in the quarantine directory, newest first
func (q *DirQueue) ListQuarantine() ([]models.QuarantineItem, error) {
	entries, err := os.ReadDir(q.quarantineDir)
	if err != nil {
		return nil, fmt.Errorf("read quarantine dir: %w", err)
	}

	items := make([]models.QuarantineItem, 0)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, sidecarSuffix) {
			continue
		}

		item, err := readSidecar(filepath.Join(q.quarantineDir, name))
		if err != nil {
			q.log.Warn().Err(err).Str("sidecar", name).Msg("unreadable sidecar")
			continue
		}
		item.SidecarName = name
		item.QuarantinedName = q.pdfFor(strings.TrimSuffix(name, sidecarSuffix), item.OriginalName)
		items = append(items, *item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	return items, nil
}

func (q *DirQueue) pdfFor(base, original string) string {
	if ext := filepath.Ext(original); ext != "" {
		return base + ext
	}
	return base + ".pdf"
}

func readSidecar(path string) (*models.QuarantineItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		item    models.QuarantineItem
		inError bool
		errText []string
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case inError:
			errText = append(errText, line)
		case strings.HasPrefix(line, "Timestamp: "):
			ts, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "Timestamp: "))
			if err != nil {
				return nil, fmt.Errorf("parse timestamp: %w", err)
			}
			item.Timestamp = ts
		case strings.HasPrefix(line, "Original file: "):
			item.OriginalName = strings.TrimPrefix(line, "Original file: ")
		case strings.HasPrefix(line, "Error: "):
			inError = true
			errText = append(errText, strings.TrimPrefix(line, "Error: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	item.Error = strings.TrimRight(strings.Join(errText, "\n"), "\n")
	return &item, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
