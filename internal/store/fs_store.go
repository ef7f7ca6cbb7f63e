package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const entrySuffix = ".entry"

// NewFileProvider 以 basePath 为根目录构建磁盘 store，每个 store 对应一个子目录。
func NewFileProvider(basePath string) (Provider, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileProvider{basePath: abs}, nil
}

// fileProvider 的磁盘布局：
//
//	<StoragePath>/<storeName>/<sha256(key)>.entry   # key + 快照的 JSON 信封
type fileProvider struct {
	basePath string
}

// fileEnvelope 把 key 与快照放进同一个文件，rename 之后二者同时可见。
type fileEnvelope struct {
	Key      Key       `json:"key"`
	Snapshot *Snapshot `json:"snapshot"`
}

func (p *fileProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := p.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{name: name, dir: dir}, nil
}

func (p *fileProvider) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := p.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (p *fileProvider) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := p.Has(ctx, name)
	if err != nil || !existed {
		return false, err
	}
	dir, _ := p.storeDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("delete store %s: %w", name, err)
	}
	return true, nil
}

func (p *fileProvider) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (p *fileProvider) Close() error {
	return nil
}

func (p *fileProvider) storeDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(p.basePath, name), nil
}

// fileStore 不加锁：同 key 并发写入依赖 rename 的原子性，最后一次 rename 生效。
type fileStore struct {
	name string
	dir  string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	envelope, err := readEnvelope(s.entryPath(key))
	if err != nil {
		return nil, err
	}
	if envelope.Key != key {
		// sha256 碰撞或被篡改的文件，按未命中处理
		return nil, ErrNotFound
	}
	return envelope.Snapshot, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot == nil {
		return errors.New("snapshot required")
	}

	stored := snapshot.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(fileEnvelope{Key: key, Snapshot: stored})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	// 目录不存在说明 store 已被删除，不能借写入把它复活
	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store %s: %w", s.name, ErrNotFound)
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, s.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		envelope, err := readEnvelope(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, envelope.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *fileStore) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEnvelope(filePath string) (*fileEnvelope, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var envelope fileEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Snapshot == nil {
		return nil, ErrNotFound
	}
	return &envelope, nil
}

// ValidateName 拒绝空名称以及可能逃逸出存储目录的名称。
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
