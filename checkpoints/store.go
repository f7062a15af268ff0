package checkpoints

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/model"
)

// Extension is the file extension of checkpoint records.
const Extension = ".wlckpt"

// Store keeps checkpoints in one directory.
type Store struct {
	Dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %s", dir)
	}
	return &Store{Dir: dir}, nil
}

// FileName is the location name of a best-so-far checkpoint. A non-empty runID adds a short run
// tag so that runs sharing a directory never collide.
func FileName(epoch int, valAcc float64, runID string) string {
	name := fmt.Sprintf("best_epoch_%d_acc_%.2f", epoch, valAcc)
	if tag := RunTag(runID); tag != "" {
		name += "_" + tag
	}
	return name + Extension
}

// RunTag is the part of runID recorded in checkpoint file names: its first eight letters or digits.
func RunTag(runID string) string {
	var sb strings.Builder
	for _, r := range runID {
		if sb.Len() == 8 {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// parseFileName is the inverse of FileName.
func parseFileName(name string) (Entry, bool) {
	rest, ok := strings.CutPrefix(name, "best_epoch_")
	if !ok {
		return Entry{}, false
	}
	if rest, ok = strings.CutSuffix(rest, Extension); !ok {
		return Entry{}, false
	}
	epoch, rest, ok := strings.Cut(rest, "_acc_")
	if !ok {
		return Entry{}, false
	}
	acc, tag, _ := strings.Cut(rest, "_")
	var e Entry
	var err error
	if e.Epoch, err = strconv.Atoi(epoch); err != nil {
		return Entry{}, false
	}
	if e.ValAcc, err = strconv.ParseFloat(acc, 64); err != nil {
		return Entry{}, false
	}
	e.RunTag = tag
	return e, true
}

// Save writes c under its epoch/accuracy name and returns the path. An existing checkpoint is never
// overwritten, and a failed write leaves nothing behind.
func (s *Store) Save(c *Checkpoint) (string, error) {
	path := filepath.Join(s.Dir, FileName(c.Epoch, c.ValAcc, c.RunID))
	if err := Save(path, c); err != nil {
		return "", err
	}
	return path, nil
}

// Save writes c to path through a temporary file in the same directory.
func Save(path string, c *Checkpoint) error {
	if c.FormatVersion == 0 {
		c.FormatVersion = FormatVersion
	}
	data := Marshal(c)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+Extension)
	if err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	// Link fails when path exists, unlike Rename.
	if err := os.Link(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	klog.V(1).Infof("wrote checkpoint %s (%s)", path, humanize.Bytes(uint64(len(data))))
	return nil
}

// Load reads and validates the checkpoint at location.
func (s *Store) Load(location string) (*Checkpoint, error) {
	return Load(s.resolve(location))
}

// Load reads and validates the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	c, err := Unmarshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return c, nil
}

// Restore loads location into m, whose architecture must match the recorded state exactly.
func (s *Store) Restore(location string, m *model.Model) (*Checkpoint, error) {
	c, err := s.Load(location)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(c.ModelState); err != nil {
		return nil, errors.WithMessage(err, location)
	}
	return c, nil
}

// Entry is a checkpoint found in the store.
type Entry struct {
	Path   string
	Epoch  int
	ValAcc float64
	RunTag string // empty for untagged names
}

// List returns the checkpoints in the directory ordered by epoch. Temporary files are ignored.
func (s *Store) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", s.Dir)
	}
	var entries []Entry
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		e, ok := parseFileName(d.Name())
		if !ok {
			continue
		}
		e.Path = filepath.Join(s.Dir, d.Name())
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// Remove deletes one checkpoint.
func (s *Store) Remove(location string) error {
	path := s.resolve(location)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrNotFound, "%s", path)
		}
		return errors.Wrapf(err, "removing checkpoint %s", path)
	}
	return nil
}

// Prune keeps the keep most recent checkpoints of the run runID and removes its older ones;
// keep <= 0 keeps everything. Checkpoints of other runs are never touched. It returns the removed
// paths.
func (s *Store) Prune(runID string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	tag := RunTag(runID)
	var entries []Entry
	for _, e := range all {
		if e.RunTag == tag {
			entries = append(entries, e)
		}
	}
	var removed []string
	for len(entries) > keep {
		if err := s.Remove(entries[0].Path); err != nil {
			return removed, err
		}
		removed = append(removed, entries[0].Path)
		entries = entries[1:]
	}
	return removed, nil
}

// resolve interprets a bare file name relative to the store directory.
func (s *Store) resolve(location string) string {
	if filepath.IsAbs(location) || strings.ContainsRune(location, filepath.Separator) {
		return location
	}
	return filepath.Join(s.Dir, location)
}
