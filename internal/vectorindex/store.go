package vectorindex

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Load reads the vector file and the id list and checks that they line up.
// Any failure, including a count mismatch, wraps ErrIndexUnavailable.
func Load(indexPath, idListPath string) (*Index, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	dim, metric, vectors, err := readFAISS(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexUnavailable, indexPath, err)
	}

	ids, err := LoadIDList(idListPath)
	if err != nil {
		return nil, err
	}

	count := 0
	if dim > 0 {
		count = len(vectors) / dim
	}
	if count != len(ids) {
		return nil, fmt.Errorf("%w: %w: %s has %d vectors, %s has %d ids",
			ErrIndexUnavailable, ErrLengthMismatch, indexPath, count, idListPath, len(ids))
	}

	return &Index{
		dim:     dim,
		metric:  metric,
		vectors: vectors,
		ids:     ids,
	}, nil
}

// LoadIDList reads a JSON array of article ids.
func LoadIDList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexUnavailable, path, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Save writes the vector file and the id list. Both are written to temporary
// files first and renamed only after both writes succeed, so readers never see
// a new vector file next to an old id list.
func Save(x *Index, indexPath, idListPath string) error {
	tmpIndex, err := writeTemp(indexPath, func(w io.Writer) error {
		return WriteFAISS(w, x)
	})
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	tmpIDs, err := writeTemp(idListPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		ids := x.ids
		if ids == nil {
			ids = []string{}
		}
		return enc.Encode(ids)
	})
	if err != nil {
		_ = os.Remove(tmpIndex)
		return fmt.Errorf("failed to write id list: %w", err)
	}

	if err := os.Rename(tmpIndex, indexPath); err != nil {
		_ = os.Remove(tmpIndex)
		_ = os.Remove(tmpIDs)
		return fmt.Errorf("failed to install index: %w", err)
	}
	if err := os.Rename(tmpIDs, idListPath); err != nil {
		_ = os.Remove(tmpIDs)
		return fmt.Errorf("failed to install id list: %w", err)
	}
	return nil
}

func writeTemp(target string, write func(io.Writer) error) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}
