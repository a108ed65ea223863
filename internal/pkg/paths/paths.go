package paths

import (
	"os"
	"path/filepath"
)

const appDirName = "jcp-debate"

// GetDataDir 获取应用数据目录，JCP_DATA_DIR 优先
func GetDataDir() string {
	if dir := os.Getenv("JCP_DATA_DIR"); dir != "" {
		return dir
	}
	userConfigDir, err := os.UserConfigDir()
	if err != nil || userConfigDir == "" {
		return filepath.Join(".", "data")
	}
	return filepath.Join(userConfigDir, appDirName)
}

// GetConfigFile 默认配置文件路径
func GetConfigFile() string {
	return filepath.Join(GetDataDir(), "config.toml")
}

// GetLedgerDB 默认会话账本数据库路径
func GetLedgerDB() string {
	return filepath.Join(GetDataDir(), "ledger.db")
}

// GetCacheDir 获取缓存目录
func GetCacheDir() string {
	return filepath.Join(GetDataDir(), "cache")
}

// EnsureCacheDir 确保缓存子目录存在并返回路径
func EnsureCacheDir(subDir string) (string, error) {
	dir := filepath.Join(GetCacheDir(), subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
