package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"diarist/internal/fileutil"
	"diarist/internal/services"
)

const component = "objectstore"

// Fetcher reads subject media before inference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Artifacts persists and removes job outputs.
type Artifacts interface {
	Fetcher
	Put(ctx context.Context, ref string, data []byte) (string, error)
	RemoveAll(ctx context.Context, prefix string) error
}

// Filesystem serves objects from a directory tree.
type Filesystem struct {
	root string
}

// NewFilesystem prepares a filesystem store rooted at root.
func NewFilesystem(root string) (*Filesystem, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, "open", "object root required", nil)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, component, "open", "resolve root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, component, "open", "create root", err)
	}
	return &Filesystem{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *Filesystem) Root() string {
	return f.root
}

func (f *Filesystem) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	clean := path.Clean(strings.TrimPrefix(ref, "/"))
	if ref == "" || clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", services.Wrap(services.ErrPermanent, component, "resolve", fmt.Sprintf("invalid object ref %q", ref), nil)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// Fetch reads the object at ref.
func (f *Filesystem) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, services.Wrap(services.ErrNotFound, component, "fetch", fmt.Sprintf("object %q not found", ref), err)
	case err != nil:
		return nil, services.Wrap(services.ErrTransient, component, "fetch", fmt.Sprintf("read %q", ref), err)
	case len(data) == 0:
		return nil, services.Wrap(services.ErrPermanent, component, "fetch", fmt.Sprintf("object %q is empty", ref), nil)
	}
	return data, nil
}

// Put writes data at ref atomically and returns its content digest.
func (f *Filesystem) Put(ctx context.Context, ref string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := f.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", services.Wrap(services.ErrInfrastructure, component, "put", "create directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return "", services.Wrap(services.ErrInfrastructure, component, "put", "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", services.Wrap(services.ErrTransient, component, "put", "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", services.Wrap(services.ErrTransient, component, "put", "close temp file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", services.Wrap(services.ErrTransient, component, "put", "rename temp file", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Import copies a local file to ref and returns its content digest.
func (f *Filesystem) Import(ctx context.Context, ref, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := f.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", services.Wrap(services.ErrInfrastructure, component, "import", "create directory", err)
	}
	digest, err := fileutil.CopyVerified(src, target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", services.Wrap(services.ErrNotFound, component, "import", fmt.Sprintf("source %q not found", src), err)
	case err != nil:
		return "", services.Wrap(services.ErrTransient, component, "import", fmt.Sprintf("copy %q", src), err)
	}
	return digest, nil
}

// RemoveAll deletes everything under prefix. A missing prefix is not an
// error.
func (f *Filesystem) RemoveAll(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := f.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return services.Wrap(services.ErrTransient, component, "remove", fmt.Sprintf("remove %q", prefix), err)
	}
	return nil
}

// ResultRef is where one job's artifact is stored. Each attempt writes its
// own object, so a retry never overwrites the result an earlier job reported.
func ResultRef(ownerID, subjectID, kind, jobID string) string {
	return path.Join(".results", refSegment(ownerID), refSegment(subjectID), strings.ToLower(kind), refSegment(jobID)+".json")
}

// SplitResultRef separates a job's result_ref into the object ref and the
// content digest recorded when it was written.
func SplitResultRef(resultRef string) (ref, digest string) {
	ref, digest, _ = strings.Cut(strings.TrimSpace(resultRef), "#")
	return ref, digest
}

// SubjectResults is the prefix holding every artifact for a subject.
func SubjectResults(ownerID, subjectID string) string {
	return path.Join(".results", refSegment(ownerID), refSegment(subjectID))
}

// UploadRef is where imported media for a subject is stored.
func UploadRef(ownerID, subjectID, filename string) string {
	return path.Join(SubjectUploads(ownerID, subjectID), refSegment(filepath.Base(filename)))
}

// SubjectUploads is the prefix holding every imported file for a subject.
func SubjectUploads(ownerID, subjectID string) string {
	return path.Join("uploads", refSegment(ownerID), refSegment(subjectID))
}

func refSegment(value string) string {
	value = strings.TrimSpace(value)
	value = strings.NewReplacer("/", "_", "\\", "_").Replace(value)
	if value == "" || value == "." || value == ".." {
		return "_"
	}
	return value
}
