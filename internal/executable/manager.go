// Package executable stages externally supplied artifacts and promotes them
// into a permanent library. See doc.go for complete package documentation.
package executable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/afero"
	"go.nhat.io/aferocopy/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxBufferSize is the largest file ReadBuffer accepts: the maximum value of
// the signed 32-bit length field used by the node transport.
const MaxBufferSize int64 = math.MaxInt32

const (
	defaultDownloadConcurrency = 4
	dirPerm                    = 0o755
	filePerm                   = 0o644
)

// ErrInvalidName is returned for file or artifact names that would escape
// their root directory.
var ErrInvalidName = errors.New("invalid name")

// Resource is an artifact staged under the temporary root.
// It is immutable; Path always ends with a path separator.
type Resource struct {
	RequestID uint64 `json:"request_id"`
	Path      string `json:"path"`
}

// Manager owns a temporary staging root and a permanent library root.
//
// Artifacts are downloaded into {tempRoot}/{requestID}/ and later promoted to
// {libRoot}/{name}/ (whole directory) or {libRoot}/{fileName} (single file).
//
// Thread Safety:
// Request id allocation is serialized by idLock, so concurrent Request calls
// never share a staging directory. All other methods operate on distinct
// paths and rely on the filesystem for consistency.
type Manager struct {
	fs       afero.Fs
	tempRoot string
	libRoot  string

	logger      *zap.SugaredLogger
	client      *resty.Client
	maxBuffer   int64
	concurrency int

	idLock  sync.Mutex // guards counter and the check-then-create critical section
	counter uint64
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithHTTPClient sets the client used for http and https downloads.
func WithHTTPClient(client *resty.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithMaxBufferSize lowers the ReadBuffer limit. Values outside
// (0, MaxBufferSize] are ignored.
func WithMaxBufferSize(limit int64) Option {
	return func(m *Manager) {
		if limit > 0 && limit <= MaxBufferSize {
			m.maxBuffer = limit
		}
	}
}

// WithDownloadConcurrency bounds how many URIs of one Request are fetched at once.
func WithDownloadConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewManager creates a manager over fs. Neither root is touched until used;
// call EnsureRoots to create them eagerly.
//
// Example:
//
//	m := NewManager(afero.NewOsFs(), "/var/lib/ferry/tmp", "/var/lib/ferry/lib",
//	    WithLogger(logger))
//	res, err := m.Request(ctx, []string{"http://repo/udf/a.jar"})
func NewManager(fs afero.Fs, tempRoot, libRoot string, opts ...Option) *Manager {
	m := &Manager{
		fs:          fs,
		tempRoot:    filepath.Clean(tempRoot),
		libRoot:     filepath.Clean(libRoot),
		logger:      zap.NewNop().Sugar(),
		maxBuffer:   MaxBufferSize,
		concurrency: defaultDownloadConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = resty.New()
	}
	return m
}

// EnsureRoots creates the temporary and library roots if they are missing.
func (m *Manager) EnsureRoots() error {
	for _, dir := range []string{m.tempRoot, m.libRoot} {
		if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
			return fsError("mkdir", dir, err)
		}
	}
	return nil
}

func (m *Manager) TempRoot() string { return m.tempRoot }

func (m *Manager) LibRoot() string { return m.libRoot }

// Request allocates a new request id, claims its staging directory and
// downloads every URI into it, naming each file by the URI's trailing path
// segment.
//
// Staging is all-or-nothing: if any download fails, the remaining downloads
// are canceled, the staging directory is removed and the first error is
// returned (*DownloadError or *FilesystemError).
//
// Supported schemes are http, https and file.
func (m *Manager) Request(ctx context.Context, uris []string) (*Resource, error) {
	id, err := m.nextRequestID()
	if err != nil {
		return nil, err
	}

	if err := m.download(ctx, id, uris); err != nil {
		m.removeStaging(id)
		return nil, err
	}

	m.logger.Infof("staged %d file(s) under request %d", len(uris), id)
	return &Resource{RequestID: id, Path: m.StagingPath(id)}, nil
}

// nextRequestID skips ids whose directory already exists (leftovers from a
// previous run whose counter started again at zero), then creates the
// directory to claim the id before releasing the lock.
func (m *Manager) nextRequestID() (uint64, error) {
	m.idLock.Lock()
	defer m.idLock.Unlock()

	for {
		id := m.counter
		m.counter++

		dir := m.stagingDir(id)
		exists, err := afero.DirExists(m.fs, dir)
		if err != nil {
			return 0, fsError("stat", dir, err)
		}
		if exists {
			m.logger.Debugf("staging directory %q already exists, skipping request id %d", dir, id)
			continue
		}
		if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
			return 0, fsError("mkdir", dir, err)
		}
		return id, nil
	}
}

func (m *Manager) download(ctx context.Context, id uint64, uris []string) error {
	targets := make([]string, len(uris))
	seen := make(map[string]string, len(uris))
	for i, raw := range uris {
		name, err := fileNameOf(raw)
		if err != nil {
			return &DownloadError{URI: raw, Err: err}
		}
		if prev, ok := seen[name]; ok {
			return &DownloadError{URI: raw, Err: fmt.Errorf("file name %q already used by %q", name, prev)}
		}
		seen[name] = raw
		targets[i] = filepath.Join(m.stagingDir(id), name)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, raw := range uris {
		g.Go(func() error {
			return m.fetch(ctx, raw, targets[i])
		})
	}
	return g.Wait()
}

func (m *Manager) fetch(ctx context.Context, raw, dst string) error {
	src, err := m.open(ctx, raw)
	if err != nil {
		return &DownloadError{URI: raw, Err: err}
	}
	defer src.Close()

	if err := m.writeFrom(dst, src); err != nil {
		if ctx.Err() != nil {
			return &DownloadError{URI: raw, Err: ctx.Err()}
		}
		return err
	}
	m.logger.Debugf("downloaded %q to %q", raw, dst)
	return nil
}

func (m *Manager) open(ctx context.Context, raw string) (io.ReadCloser, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https":
		resp, err := m.client.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			Get(u.String())
		if err != nil {
			return nil, err
		}
		body := resp.RawBody()
		if resp.StatusCode() >= 300 {
			if body != nil {
				body.Close()
			}
			return nil, fmt.Errorf("unexpected http status %d", resp.StatusCode())
		}
		return body, nil
	case "file":
		return m.fs.Open(filepath.FromSlash(u.Path))
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func (m *Manager) writeFrom(dst string, src io.Reader) error {
	f, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fsError("create", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fsError("write", dst, err)
	}
	return fsError("close", dst, f.Close())
}

// PromoteDirectory moves the whole staging directory of res to {libRoot}/{name}.
// It fails with ErrDestinationExists if the target is already present.
// A failed rename (e.g. across devices) falls back to copy and remove.
func (m *Manager) PromoteDirectory(res *Resource, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	src := m.stagingDir(res.RequestID)
	dst := m.LibraryDir(name)

	if err := m.expectMove(src, dst); err != nil {
		return err
	}
	if err := m.fs.MkdirAll(m.libRoot, dirPerm); err != nil {
		return fsError("mkdir", m.libRoot, err)
	}

	if err := m.fs.Rename(src, dst); err != nil {
		m.logger.Debugf("rename %q to %q failed, copying instead: %s", src, dst, err)
		err = aferocopy.Copy(src, dst, aferocopy.Options{SrcFs: m.fs, DestFs: m.fs})
		if err != nil {
			return fsError("copy", dst, err)
		}
		if err := m.fs.RemoveAll(src); err != nil {
			return fsError("remove", src, err)
		}
	}

	m.logger.Infof("promoted request %d to %q", res.RequestID, dst)
	return nil
}

// PromoteFile moves one staged file into the library's flat namespace as
// {libRoot}/{fileName}. The library root must already exist.
func (m *Manager) PromoteFile(res *Resource, fileName string) error {
	if err := validName(fileName); err != nil {
		return err
	}
	src := filepath.Join(m.stagingDir(res.RequestID), fileName)
	dst := m.LibraryFile(fileName)

	if err := m.expectMove(src, dst); err != nil {
		return err
	}
	if ok, err := afero.DirExists(m.fs, m.libRoot); err != nil {
		return fsError("stat", m.libRoot, err)
	} else if !ok {
		return fsError("move", m.libRoot, os.ErrNotExist)
	}

	if err := m.fs.Rename(src, dst); err != nil {
		if err := m.copyFile(src, dst); err != nil {
			return err
		}
		if err := m.fs.Remove(src); err != nil {
			return fsError("remove", src, err)
		}
	}
	return nil
}

// CopyExternalFile copies a file that is already on disk straight into the
// library root, bypassing staging. An existing file of the same name is
// overwritten.
func (m *Manager) CopyExternalFile(filePath string) error {
	if err := m.fs.MkdirAll(m.libRoot, dirPerm); err != nil {
		return fsError("mkdir", m.libRoot, err)
	}
	return m.copyFile(filePath, m.LibraryFile(filepath.Base(filePath)))
}

// Discard removes the staging directory of res. It never fails: errors are
// logged and a missing directory is a no-op.
func (m *Manager) Discard(res *Resource) {
	if res == nil {
		return
	}
	m.removeStaging(res.RequestID)
}

func (m *Manager) removeStaging(id uint64) {
	dir := m.stagingDir(id)
	if err := m.fs.RemoveAll(dir); err != nil {
		m.logger.Warnf("cannot remove staging directory %q: %s", dir, err)
	}
}

// RemoveFromLibrary deletes a promoted file or directory. Missing names are ignored.
func (m *Manager) RemoveFromLibrary(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	p := filepath.Join(m.libRoot, name)
	return fsError("remove", p, m.fs.RemoveAll(p))
}

// ListStaged returns the names of the files staged for res, sorted.
func (m *Manager) ListStaged(res *Resource) ([]string, error) {
	dir := m.stagingDir(res.RequestID)
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, fsError("list", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReadBuffer reads the whole file into one buffer for transport.
// Files larger than the configured limit (at most MaxBufferSize) fail with
// an *OversizeError before any byte is read.
func (m *Manager) ReadBuffer(filePath string) ([]byte, error) {
	buf, err := m.readBuffer(filePath)
	if err != nil {
		m.logger.Warnf("error occurred during transferring file %q to buffer: %s", filePath, err)
	}
	return buf, err
}

func (m *Manager) readBuffer(filePath string) ([]byte, error) {
	f, err := m.fs.Open(filePath)
	if err != nil {
		return nil, fsError("open", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fsError("stat", filePath, err)
	}
	if info.Size() > m.maxBuffer {
		return nil, &OversizeError{Path: filePath, Size: info.Size(), Limit: m.maxBuffer}
	}

	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fsError("read", filePath, err)
	}
	return buf, nil
}

// WriteToLibrary replaces {libRoot}/{fileName} with buf: any previous file is
// deleted, a new one created and written. Concurrent readers of the same
// name may observe a missing or partially written file.
func (m *Manager) WriteToLibrary(buf []byte, fileName string) error {
	if err := validName(fileName); err != nil {
		return err
	}
	return m.replaceFile(m.LibraryFile(fileName), buf)
}

// WriteToArtifact replaces {libRoot}/{name}/{fileName} with buf, creating the
// artifact directory when it is missing. Artifacts shipping files of the same
// name therefore never overwrite each other.
func (m *Manager) WriteToArtifact(buf []byte, name, fileName string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validName(fileName); err != nil {
		return err
	}
	dir := m.LibraryDir(name)
	if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
		return fsError("mkdir", dir, err)
	}
	return m.replaceFile(filepath.Join(dir, fileName), buf)
}

func (m *Manager) replaceFile(dst string, buf []byte) error {
	if err := m.fs.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fsError("remove", dst, err)
	}
	f, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return fsError("create", dst, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		m.logger.Warnf("error occurred during writing buffer to %q: %s", dst, err)
		return fsError("write", dst, err)
	}
	return fsError("close", dst, f.Close())
}

// ExistsInLibrary reports whether {libRoot}/{name} exists.
func (m *Manager) ExistsInLibrary(name string) (bool, error) {
	return m.exists(filepath.Join(m.libRoot, name))
}

// ExistsInStaging reports whether {tempRoot}/{name} exists.
func (m *Manager) ExistsInStaging(name string) (bool, error) {
	return m.exists(filepath.Join(m.tempRoot, name))
}

func (m *Manager) exists(p string) (bool, error) {
	ok, err := afero.Exists(m.fs, p)
	if err != nil {
		return false, fsError("stat", p, err)
	}
	return ok, nil
}

// WriteTextToStaging stores small metadata as {tempRoot}/{name}, overwriting.
func (m *Manager) WriteTextToStaging(text, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	p := filepath.Join(m.tempRoot, name)
	if err := m.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fsError("remove", p, err)
	}
	return fsError("write", p, afero.WriteFile(m.fs, p, []byte(text), filePerm))
}

// ReadTextFromStaging returns the content of {tempRoot}/{name}.
func (m *Manager) ReadTextFromStaging(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	p := filepath.Join(m.tempRoot, name)
	data, err := afero.ReadFile(m.fs, p)
	if err != nil {
		return "", fsError("read", p, err)
	}
	return string(data), nil
}

// StagingPath is the directory of a request id, with a trailing separator.
func (m *Manager) StagingPath(id uint64) string {
	return m.stagingDir(id) + string(filepath.Separator)
}

// StagedFile is the path of one file staged for res.
func (m *Manager) StagedFile(res *Resource, fileName string) string {
	return filepath.Join(m.stagingDir(res.RequestID), fileName)
}

// LibraryDir is the target of PromoteDirectory for name.
func (m *Manager) LibraryDir(name string) string {
	return filepath.Join(m.libRoot, name)
}

// LibraryFile is the flat-namespace path of fileName in the library.
func (m *Manager) LibraryFile(fileName string) string {
	return filepath.Join(m.libRoot, fileName)
}

func (m *Manager) stagingDir(id uint64) string {
	return filepath.Join(m.tempRoot, strconv.FormatUint(id, 10))
}

// expectMove checks the preconditions shared by both promotions.
func (m *Manager) expectMove(src, dst string) error {
	if ok, err := afero.Exists(m.fs, src); err != nil {
		return fsError("stat", src, err)
	} else if !ok {
		return fsError("move", src, os.ErrNotExist)
	}
	if ok, err := afero.Exists(m.fs, dst); err != nil {
		return fsError("stat", dst, err)
	} else if ok {
		return fsError("move", dst, ErrDestinationExists)
	}
	return nil
}

func (m *Manager) copyFile(src, dst string) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return fsError("open", src, err)
	}
	defer in.Close()
	return m.writeFrom(dst, in)
}

// fileNameOf returns the trailing path segment of a URI.
func fileNameOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if u.Path == "" || strings.HasSuffix(u.Path, "/") || name == "." || name == "/" {
		return "", fmt.Errorf("no file name in %q", raw)
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return name, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fsError("validate", name, ErrInvalidName)
	}
	return nil
}
