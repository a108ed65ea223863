package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level 日志级别
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // cyan
	INFO:  "\033[32m", // green
	WARN:  "\033[33m", // yellow
	ERROR: "\033[31m", // red
}

const resetColor = "\033[0m"

var (
	globalLevel atomic.Int32
	outMu       sync.Mutex
	out         io.Writer = os.Stderr
	colored               = true
)

func init() {
	globalLevel.Store(int32(INFO))
}

// ParseLevel 解析配置中的日志级别，未知值返回 INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetGlobalLevel 设置全局日志级别，对已创建的 Logger 同样生效
func SetGlobalLevel(level Level) {
	globalLevel.Store(int32(level))
}

// SetOutput 设置日志输出，非终端输出时关闭颜色
func SetOutput(w io.Writer, color bool) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
	colored = color
}

// Logger 日志记录器
type Logger struct {
	module string
}

// New 创建新的日志记录器
func New(module string) *Logger {
	return &Logger{module: module}
}

// With 派生带子模块名的记录器，如 Meeting/SH600519
func (l *Logger) With(sub string) *Logger {
	return &Logger{module: l.module + "/" + sub}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if int32(level) < globalLevel.Load() {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	outMu.Lock()
	defer outMu.Unlock()
	if colored {
		fmt.Fprintf(out, "%s%s%s [%s] %s: %s\n",
			levelColors[level], levelNames[level], resetColor,
			timestamp, l.module, msg)
		return
	}
	fmt.Fprintf(out, "%s [%s] %s: %s\n", levelNames[level], timestamp, l.module, msg)
}

// Debug 调试日志
func (l *Logger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Info 信息日志
func (l *Logger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warn 警告日志
func (l *Logger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Error 错误日志
func (l *Logger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}
