package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxUploadBytes 限制单个上传文件大小。
const MaxUploadBytes = 10 << 20

// FilesPath 是文件对外访问的路由前缀。
const FilesPath = "/api/v1/files/"

var (
	ErrNotFound = errors.New("file not found")
	ErrTooLarge = errors.New("file too large")
	ErrBadID    = errors.New("invalid file id")
)

var fileIDPattern = regexp.MustCompile(`^[0-9a-f]{32}(\.[a-z0-9]{1,8})?$`)

// Bucket 是基于本地目录的对象存储，文件名即文件 ID。
type Bucket struct {
	dir string
}

func NewBucket(dir string) (*Bucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &Bucket{dir: dir}, nil
}

// Put 写入文件并返回新 ID，超出 maxBytes 时删除半成品并返回 ErrTooLarge。
func (b *Bucket) Put(name string, r io.Reader, maxBytes int64) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "") + cleanExt(name)
	path := filepath.Join(b.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return id, nil
}

// Open 打开已存储的文件，调用方负责关闭。
func (b *Bucket) Open(id string) (*os.File, error) {
	if !fileIDPattern.MatchString(id) {
		return nil, ErrBadID
	}
	f, err := os.Open(filepath.Join(b.dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete 删除文件，文件不存在视为成功。
func (b *Bucket) Delete(id string) error {
	if !fileIDPattern.MatchString(id) {
		return ErrBadID
	}
	err := os.Remove(filepath.Join(b.dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// URL 返回文件的公开访问地址。
func URL(publicURL, id string) string {
	return strings.TrimRight(publicURL, "/") + FilesPath + id
}

// ParseFileURL 从公开地址中解析文件 ID，非本桶地址返回 false。
func ParseFileURL(raw string) (string, bool) {
	idx := strings.Index(raw, FilesPath)
	if idx < 0 {
		return "", false
	}
	id := raw[idx+len(FilesPath):]
	if i := strings.IndexAny(id, "?#/"); i >= 0 {
		id = id[:i]
	}
	if !fileIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func cleanExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 9 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
