package ingestion

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fabfab/corpscribe/ragerr"
)

// DocumentInfo describes one file in the document store.
type DocumentInfo struct {
	Name    string         `json:"name"`
	Size    int64          `json:"size"`
	Format  DocumentFormat `json:"format"`
	ModTime time.Time      `json:"modified_at"`
}

// DocumentStore is the directory of raw documents, keyed by file name.
type DocumentStore struct {
	root string
}

func NewDocumentStore(root string) *DocumentStore {
	return &DocumentStore{root: root}
}

func (s *DocumentStore) Root() string { return s.root }

// Ensure creates the store directory if it does not exist yet.
func (s *DocumentStore) Ensure() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}
	return nil
}

// Files returns the supported files under the store, recursively, in lexical order.
func (s *DocumentStore) Files() ([]string, error) {
	if _, err := os.Stat(s.root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("document directory: %w", err)
	}

	files := make([]string, 0)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !Supported(d.Name()) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk document directory: %w", err)
	}
	return files, nil
}

func (s *DocumentStore) List() ([]DocumentInfo, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	infos := make([]DocumentInfo, 0, len(files))
	for _, path := range files {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		infos = append(infos, DocumentInfo{
			Name:    sourceName(s.root, path),
			Size:    st.Size(),
			Format:  DetectFormat(path),
			ModTime: st.ModTime().UTC(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Save writes r to the store under name, replacing an existing file. At most limit
// bytes are accepted when limit is positive. It never triggers reindexing.
func (s *DocumentStore) Save(name string, r io.Reader, limit int64) (DocumentInfo, error) {
	clean, err := cleanName(name)
	if err != nil {
		return DocumentInfo{}, err
	}
	if err := s.Ensure(); err != nil {
		return DocumentInfo{}, err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("write upload: %w", err)
	}
	if limit > 0 && written > limit {
		return DocumentInfo{}, ragerr.Errorf(ragerr.KindInvalid, "save "+clean, "document exceeds %d bytes", limit)
	}

	dst := filepath.Join(s.root, clean)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return DocumentInfo{}, fmt.Errorf("store document: %w", err)
	}

	return DocumentInfo{
		Name:    clean,
		Size:    written,
		Format:  DetectFormat(clean),
		ModTime: time.Now().UTC(),
	}, nil
}

func (s *DocumentStore) Delete(name string) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, clean)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ragerr.Errorf(ragerr.KindNotFound, "delete "+clean, "document not found")
		}
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// cleanName accepts a bare file name with a supported extension.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	op := "document name"
	switch {
	case name == "":
		return "", ragerr.Errorf(ragerr.KindInvalid, op, "name is required")
	case name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return "", ragerr.Errorf(ragerr.KindInvalid, op, "invalid document name %q", name)
	case strings.HasPrefix(name, "."):
		return "", ragerr.Errorf(ragerr.KindInvalid, op, "hidden files are not accepted")
	case !Supported(name):
		return "", ragerr.Errorf(ragerr.KindInvalid, op, "unsupported document type %q", filepath.Ext(name))
	}
	return name, nil
}
