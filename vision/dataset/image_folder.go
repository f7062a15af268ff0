// Package dataset indexes a labeled image folder: every immediate subdirectory of the root is a
// class and every image file inside it is a sample of that class.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/errdefs"
)

// DefaultExtensions are the image file extensions indexed when none are given.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// Sample is one image path with its class index.
type Sample struct {
	Path  string
	Label int
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	root    string
	samples []Sample
	labels  ClassLabels
}

// NewImageFolderDataset creates a dataset from a directory structure. Classes are the
// subdirectories in lexicographic order; samples keep their sorted file order within a class.
// Files whose extension (case-insensitive) is not in extensions are skipped.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errdefs.Configf("dataset root", root, "%v", err)
	}
	if !info.IsDir() {
		return nil, errdefs.Configf("dataset root", root, "not a directory")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errdefs.Configf("dataset root", root, "%v", err)
	}

	// Stat through symlinks so linked class directories count.
	var classNames []string
	for _, e := range entries {
		fi, err := os.Stat(filepath.Join(root, e.Name()))
		if err != nil || !fi.IsDir() {
			continue
		}
		classNames = append(classNames, e.Name())
	}
	sort.Strings(classNames)
	if len(classNames) == 0 {
		return nil, errdefs.Configf("dataset root", root, "no class subdirectories")
	}
	labels, err := NewClassLabels(classNames)
	if err != nil {
		return nil, err
	}

	dataset := &ImageFolderDataset{root: root, labels: labels}
	for idx, className := range classNames {
		classDir := filepath.Join(root, className)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errdefs.Configf("class directory", classDir, "%v", err)
		}
		var names []string
		for _, f := range files {
			if !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			fi, err := os.Stat(filepath.Join(classDir, f.Name()))
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			names = append(names, f.Name())
		}
		sort.Strings(names)
		if len(names) == 0 {
			klog.Warningf("class %q in %s has no images", className, root)
		}
		for _, name := range names {
			dataset.samples = append(dataset.samples, Sample{Path: filepath.Join(classDir, name), Label: idx})
		}
	}

	if len(dataset.samples) == 0 {
		return nil, errdefs.Configf("dataset root", root, "no images with extensions %v", extensions)
	}
	klog.V(1).Infof("indexed %s: %d samples in %d classes", root, len(dataset.samples), labels.Len())
	return dataset, nil
}

// Root returns the directory the dataset was scanned from.
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.samples)
}

// Sample returns the sample at the given index
func (d *ImageFolderDataset) Sample(index int) (Sample, error) {
	if index < 0 || index >= len(d.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	return d.samples[index], nil
}

// Samples returns a copy of every sample in index order.
func (d *ImageFolderDataset) Samples() []Sample {
	return slices.Clone(d.samples)
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return d.labels.Len()
}

// Labels returns the class labels
func (d *ImageFolderDataset) Labels() ClassLabels {
	return d.labels
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	names := d.labels.Names()
	for _, s := range d.samples {
		dist[names[s.Label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.samples), d.labels.Len()))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.labels.Names() {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
