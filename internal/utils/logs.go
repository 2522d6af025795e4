package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// RotationInterval defines rotation time intervals
type RotationInterval string

const (
	RotationHourly  RotationInterval = "hourly"
	RotationDaily   RotationInterval = "daily"
	RotationWeekly  RotationInterval = "weekly"
	RotationMonthly RotationInterval = "monthly"
)

// LogRotationConfig holds rotation configuration
type LogRotationConfig struct {
	MaxSizeMB      int64            // Maximum file size in MB before rotation
	MaxAge         int              // Maximum days to retain old logs (0 = keep all)
	MaxBackups     int              // Maximum number of backup files to keep (0 = keep all)
	TimeInterval   RotationInterval // Time-based rotation interval
	EnableRotation bool
}

// LogsManager writes category-tagged JSON log lines, either to a rotating file or to a plain writer
type LogsManager struct {
	cm              *ConfigManager
	dir             string
	logFileName     string
	logger          *log.Logger
	File            *os.File // nil when writing to a plain writer
	writer          io.Writer
	closed          bool
	mutex           sync.RWMutex
	rotateMu        sync.Mutex
	rotationConfig  LogRotationConfig
	lastRotateCheck time.Time
	fileSize        atomic.Int64
}

func NewLogsManager(cm *ConfigManager) *LogsManager {
	paths := GetAppPaths("")
	logFileName := cm.GetConfigWithDefault("logfile", "eo-pipeline.log")

	rotationConfig := LogRotationConfig{
		MaxSizeMB:      parseConfigInt64(cm.GetConfigWithDefault("log_max_size_mb", "100"), 100),
		MaxAge:         parseConfigInt(cm.GetConfigWithDefault("log_max_age_days", "30"), 30),
		MaxBackups:     parseConfigInt(cm.GetConfigWithDefault("log_max_backups", "10"), 10),
		TimeInterval:   RotationInterval(cm.GetConfigWithDefault("log_rotation_interval", "daily")),
		EnableRotation: cm.GetConfigBool("log_enable_rotation", true),
	}

	lm := &LogsManager{
		cm:              cm,
		dir:             paths.LogDir,
		logFileName:     logFileName,
		logger:          log.New(),
		rotationConfig:  rotationConfig,
		lastRotateCheck: time.Now(),
	}

	if err := lm.initLogger(); err != nil {
		panic(err)
	}

	return lm
}

// NewLogsManagerWithOutput logs to w without rotation, used by tests and foreground commands
func NewLogsManagerWithOutput(w io.Writer, level string) *LogsManager {
	lm := &LogsManager{
		logger: log.New(),
		writer: w,
	}
	lm.logger.SetOutput(w)
	lm.logger.SetFormatter(&log.JSONFormatter{})
	lm.logger.SetLevel(parseLevel(level))
	return lm
}

// NewDiscardLogsManager drops every line
func NewDiscardLogsManager() *LogsManager {
	return NewLogsManagerWithOutput(io.Discard, "error")
}

func (lm *LogsManager) initLogger() error {
	switch runtime.GOOS {
	case "linux", "darwin":
		lm.logFileName = filepath.ToSlash(lm.logFileName)
	case "windows":
		lm.logFileName = filepath.FromSlash(lm.logFileName)
	default:
		return fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(lm.dir, lm.logFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	lm.File = file
	lm.writer = file

	if stat, err := file.Stat(); err == nil {
		lm.fileSize.Store(stat.Size())
	}

	lm.logger.SetLevel(parseLevel(lm.cm.GetConfigWithDefault("log_level", "info")))
	lm.logger.SetOutput(file)
	lm.logger.SetFormatter(&log.JSONFormatter{})

	return nil
}

func parseLevel(levelStr string) log.Level {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", levelStr)
		return log.InfoLevel
	}
	return level
}

func (lm *LogsManager) fileInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "<???>"
		line = 1
	} else {
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// LogWithFields attaches structured fields next to category and caller
func (lm *LogsManager) LogWithFields(level string, message string, category string, fields map[string]interface{}) {
	lm.log(level, message, category, fields)
}

func (lm *LogsManager) log(level string, message string, category string, fields map[string]interface{}) {
	if lm.cm != nil && lm.rotationConfig.EnableRotation {
		lm.checkAndRotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	// closed during shutdown
	if lm.closed || lm.writer == nil {
		return
	}

	entry := lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     lm.fileInfo(3),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	switch level {
	case "trace":
		entry.Trace(message)
	case "debug":
		entry.Debug(message)
	case "warn", "warning":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}

	lm.fileSize.Add(int64(len(message) + 100)) // rough JSON overhead
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.log("debug", message, category, nil)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.log("info", message, category, nil)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.log("warn", message, category, nil)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.log("error", message, category, nil)
}

// Close closes the log file - call this when shutting down
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.closed = true
	if lm.File != nil {
		err := lm.File.Close()
		lm.File = nil
		return err
	}
	return nil
}

// checkAndRotate checks if rotation is needed and performs it
func (lm *LogsManager) checkAndRotate() {
	lm.rotateMu.Lock()
	defer lm.rotateMu.Unlock()

	now := time.Now()

	if lm.rotationConfig.MaxSizeMB > 0 && lm.fileSize.Load() > lm.rotationConfig.MaxSizeMB*1024*1024 {
		lm.rotateWithBackup("size")
		return
	}

	// time-based rotation is checked at most once a minute
	if now.Sub(lm.lastRotateCheck) > time.Minute {
		lm.lastRotateCheck = now
		if lm.shouldRotateByTime(now) {
			lm.rotateWithBackup("time")
		}
	}
}

func (lm *LogsManager) shouldRotateByTime(now time.Time) bool {
	lm.mutex.RLock()
	file := lm.File
	lm.mutex.RUnlock()
	if file == nil {
		return false
	}

	stat, err := file.Stat()
	if err != nil {
		return false
	}

	modTime := stat.ModTime()

	switch lm.rotationConfig.TimeInterval {
	case RotationHourly:
		return now.Hour() != modTime.Hour() || now.Day() != modTime.Day()
	case RotationDaily:
		return now.Day() != modTime.Day() || now.Month() != modTime.Month()
	case RotationWeekly:
		_, nowWeek := now.ISOWeek()
		_, modWeek := modTime.ISOWeek()
		return nowWeek != modWeek || now.Year() != modTime.Year()
	case RotationMonthly:
		return now.Month() != modTime.Month() || now.Year() != modTime.Year()
	}

	return false
}

func (lm *LogsManager) rotateWithBackup(reason string) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	backupFileName := fmt.Sprintf("%s.%s.bak", lm.logFileName, timestamp)
	backupPath := filepath.Join(lm.dir, backupFileName)
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	if lm.File != nil {
		lm.File.Close()
		lm.File = nil
		lm.writer = nil
	}

	if _, err := os.Stat(currentPath); err == nil {
		if err := os.Rename(currentPath, backupPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create backup %s: %v\n", backupPath, err)
		}
	}

	if err := lm.initLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize logger after rotation: %v\n", err)
		return
	}

	lm.cleanupOldBackups()

	lm.logger.WithFields(log.Fields{
		"category": "logrotate",
		"reason":   reason,
		"backup":   backupFileName,
	}).Info("Log rotated")
}

// cleanupOldBackups removes old backup files based on MaxAge and MaxBackups settings
func (lm *LogsManager) cleanupOldBackups() {
	if lm.rotationConfig.MaxAge <= 0 && lm.rotationConfig.MaxBackups <= 0 {
		return
	}

	files, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+"*.bak"))
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}

	var backups []backup
	now := time.Now()

	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		if lm.rotationConfig.MaxAge > 0 && now.Sub(stat.ModTime()) > time.Duration(lm.rotationConfig.MaxAge)*24*time.Hour {
			os.Remove(file)
			continue
		}
		backups = append(backups, backup{path: file, modTime: stat.ModTime()})
	}

	if lm.rotationConfig.MaxBackups > 0 && len(backups) > lm.rotationConfig.MaxBackups {
		sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.Before(backups[j].modTime) })
		for _, b := range backups[:len(backups)-lm.rotationConfig.MaxBackups] {
			os.Remove(b.path)
		}
	}
}

// SetLogLevel updates the log level at runtime
func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %v", levelStr, err)
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.SetLevel(level)

	return nil
}

func parseConfigInt64(value string, fallback int64) int64 {
	if result, err := strconv.ParseInt(value, 10, 64); err == nil {
		return result
	}
	return fallback
}

func parseConfigInt(value string, fallback int) int {
	if result, err := strconv.Atoi(value); err == nil {
		return result
	}
	return fallback
}
