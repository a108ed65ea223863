package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CacheEntry 缓存条目
type CacheEntry struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileCache 检索结果文件缓存
type FileCache struct {
	cacheDir string
	ttl      time.Duration
	mu       sync.RWMutex
}

// NewFileCache 创建文件缓存
func NewFileCache(cacheDir string, ttl time.Duration) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, err
	}
	return &FileCache{
		cacheDir: cacheDir,
		ttl:      ttl,
	}, nil
}

// cacheFilePath 查询词可能含任意字符，文件名取哈希
func (c *FileCache) cacheFilePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:16])+".json")
}

// Get 获取缓存
func (c *FileCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.cacheFilePath(key))
	if err != nil {
		return "", false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false
	}
	if entry.Key != key || time.Since(entry.UpdatedAt) > c.ttl {
		return "", false
	}
	return entry.Text, true
}

// Set 写入缓存
func (c *FileCache) Set(key, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(CacheEntry{Key: key, Text: text, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return os.WriteFile(c.cacheFilePath(key), data, 0644)
}
