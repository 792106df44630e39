package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// DirBlobStore keeps each blob as <id>.bin with a <id>.json metadata file
// next to it.
type DirBlobStore struct {
	dir string
}

func NewDirBlobStore(dir string) (*DirBlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &DirBlobStore{dir: dir}, nil
}

func (s *DirBlobStore) paths(id string) (content, meta string, err error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", "", ErrBlobNotFound
	}
	return filepath.Join(s.dir, id+".bin"), filepath.Join(s.dir, id+".json"), nil
}

func (s *DirBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, time.Now())
	if err != nil {
		return nil, err
	}
	contentPath, metaPath, _ := s.paths(meta.ID)

	raw, err := sonic.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(contentPath, data, 0o640); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", meta.ID, err)
	}
	if err := os.WriteFile(metaPath, raw, 0o640); err != nil {
		os.Remove(contentPath)
		return nil, fmt.Errorf("write metadata %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *DirBlobStore) Stat(_ context.Context, id string) (*BlobMetadata, error) {
	_, metaPath, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	var meta BlobMetadata
	if err := sonic.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (s *DirBlobStore) Get(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	contentPath, _, _ := s.paths(id)
	f, err := os.Open(contentPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, meta, nil
}

func (s *DirBlobStore) Delete(_ context.Context, id string) error {
	contentPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	} else if err != nil {
		return fmt.Errorf("delete metadata %s: %w", id, err)
	}
	if err := os.Remove(contentPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}
