// Package logging provides config-driven categorized file-based logging for
// the memory engine. Logs are written to <workspace>/.memoryengine/logs/ with separate
// files per category. Logging is controlled by debug_mode in config - when
// false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	// CategoryBoot covers process startup and configuration loading.
	CategoryBoot Category = "boot"
	// CategoryPerformance covers cross-cutting slow-operation warnings.
	CategoryPerformance Category = "performance"

	// CategorySubstrate covers the SQLite connection pool, migrations, and
	// the sqlite-vec/vec0 compatibility layer.
	CategorySubstrate Category = "substrate"
	// CategoryRecord covers RecordStore mutations: insert, lifecycle
	// transition, activation, deletion.
	CategoryRecord Category = "record"
	// CategoryRetrieval covers Retriever candidate generation, fusion, and
	// reranking.
	CategoryRetrieval Category = "retrieval"
	// CategoryConsolidate covers Consolidator passes.
	CategoryConsolidate Category = "consolidate"
	// CategoryArbiter covers reconsolidation-window closing and
	// contradiction resolution.
	CategoryArbiter Category = "arbiter"
	// CategoryQuality covers the read-only expertise/cognitive-load tracker.
	CategoryQuality Category = "quality"
	// CategoryGraph covers Entity/Relation traversal and cascade deletion.
	CategoryGraph Category = "graph"
	// CategoryScheduler covers the background tick loop.
	CategoryScheduler Category = "scheduler"
	// CategoryEmbedding covers the embedding engine (Ollama/GenAI) and cache.
	CategoryEmbedding Category = "embedding"
	// CategoryCLI covers the memoryd command surface.
	CategoryCLI Category = "cli"
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"` // Output structured JSON for log tooling
}

// configFile structure for reading .memoryengine/config.json
type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry represents a JSON log entry for machine parsing
// Format: log_entry(Timestamp, Category, Level, Message, File, Line)
type StructuredLogEntry struct {
	Timestamp int64  `json:"ts"`       // Unix milliseconds
	Category  string `json:"cat"`      // Log category
	Level     string `json:"lvl"`      // debug/info/warn/error
	Message   string `json:"msg"`      // Log message
	File      string `json:"file"`     // Source file (optional)
	Line      int    `json:"line"`     // Source line (optional)
	RequestID string `json:"req,omitempty"` // Request correlation ID
	Fields    map[string]interface{} `json:"fields,omitempty"` // Additional structured fields
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".memoryengine", "logs")

	// Load config first to check if debug mode is enabled
	if err := loadConfig(); err != nil {
		// Log to stderr if we can't load config
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		// Default to disabled (production mode)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Create a boot log entry
	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== memoryengine logging system initialized ===")
	bootLogger.Info("Workspace: %s", workspace)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Debug mode: %v", config.DebugMode)
	bootLogger.Info("Log level: %s", config.Level)

	// Log enabled categories
	if len(config.Categories) > 0 {
		enabledCount := 0
		for cat, enabled := range config.Categories {
			if enabled {
				enabledCount++
			}
			bootLogger.Debug("Category '%s': %v", cat, enabled)
		}
		bootLogger.Info("Enabled categories: %d/%d", enabledCount, len(config.Categories))
	} else {
		bootLogger.Info("All categories enabled (no category filter)")
	}

	if err := InitAudit(); err != nil {
		bootLogger.Warn("failed to initialize audit log: %v", err)
	}

	return nil
}

// loadConfig reads the logging config from .memoryengine/config.json
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".memoryengine", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	// Parse log level
	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
// Call this if config changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		// Return a no-op logger
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	// Create new logger
	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to no-op logger
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// logJSON writes a structured JSON log entry
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if config.JSONFormat {
		data, err := json.Marshal(entry)
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	// Fallback to text format with fields
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// IsJSONFormat returns whether JSON logging is enabled
func IsJSONFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.JSONFormat
}

// WithContext returns a context logger for structured logging
func (l *Logger) WithContext(ctx map[string]interface{}) *ContextLogger {
	return &ContextLogger{logger: l, context: ctx}
}

// ContextLogger provides structured logging with key-value context
type ContextLogger struct {
	logger  *Logger
	context map[string]interface{}
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.logger.Printf("[DEBUG] %s | ctx=%v", msg, c.context)
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.logger.Printf("[INFO] %s | ctx=%v", msg, c.context)
}

func (c *ContextLogger) Warn(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.logger.Printf("[WARN] %s | ctx=%v", msg, c.context)
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	if c.logger.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.logger.Printf("[ERROR] %s | ctx=%v", msg, c.context)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Substrate logs to the substrate category
func Substrate(format string, args ...interface{}) {
	Get(CategorySubstrate).Info(format, args...)
}

// SubstrateDebug logs debug to the substrate category
func SubstrateDebug(format string, args ...interface{}) {
	Get(CategorySubstrate).Debug(format, args...)
}

// SubstrateWarn logs warning to the substrate category
func SubstrateWarn(format string, args ...interface{}) {
	Get(CategorySubstrate).Warn(format, args...)
}

// SubstrateError logs error to the substrate category
func SubstrateError(format string, args ...interface{}) {
	Get(CategorySubstrate).Error(format, args...)
}

// Record logs to the record category
func Record(format string, args ...interface{}) {
	Get(CategoryRecord).Info(format, args...)
}

// RecordDebug logs debug to the record category
func RecordDebug(format string, args ...interface{}) {
	Get(CategoryRecord).Debug(format, args...)
}

// RecordWarn logs warning to the record category
func RecordWarn(format string, args ...interface{}) {
	Get(CategoryRecord).Warn(format, args...)
}

// RecordError logs error to the record category
func RecordError(format string, args ...interface{}) {
	Get(CategoryRecord).Error(format, args...)
}

// Retrieval logs to the retrieval category
func Retrieval(format string, args ...interface{}) {
	Get(CategoryRetrieval).Info(format, args...)
}

// RetrievalDebug logs debug to the retrieval category
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

// RetrievalWarn logs warning to the retrieval category
func RetrievalWarn(format string, args ...interface{}) {
	Get(CategoryRetrieval).Warn(format, args...)
}

// RetrievalError logs error to the retrieval category
func RetrievalError(format string, args ...interface{}) {
	Get(CategoryRetrieval).Error(format, args...)
}

// Consolidate logs to the consolidate category
func Consolidate(format string, args ...interface{}) {
	Get(CategoryConsolidate).Info(format, args...)
}

// ConsolidateDebug logs debug to the consolidate category
func ConsolidateDebug(format string, args ...interface{}) {
	Get(CategoryConsolidate).Debug(format, args...)
}

// ConsolidateWarn logs warning to the consolidate category
func ConsolidateWarn(format string, args ...interface{}) {
	Get(CategoryConsolidate).Warn(format, args...)
}

// ConsolidateError logs error to the consolidate category
func ConsolidateError(format string, args ...interface{}) {
	Get(CategoryConsolidate).Error(format, args...)
}

// Arbiter logs to the arbiter category
func Arbiter(format string, args ...interface{}) {
	Get(CategoryArbiter).Info(format, args...)
}

// ArbiterDebug logs debug to the arbiter category
func ArbiterDebug(format string, args ...interface{}) {
	Get(CategoryArbiter).Debug(format, args...)
}

// ArbiterWarn logs warning to the arbiter category
func ArbiterWarn(format string, args ...interface{}) {
	Get(CategoryArbiter).Warn(format, args...)
}

// ArbiterError logs error to the arbiter category
func ArbiterError(format string, args ...interface{}) {
	Get(CategoryArbiter).Error(format, args...)
}

// Quality logs to the quality category
func Quality(format string, args ...interface{}) {
	Get(CategoryQuality).Info(format, args...)
}

// QualityDebug logs debug to the quality category
func QualityDebug(format string, args ...interface{}) {
	Get(CategoryQuality).Debug(format, args...)
}

// Graph logs to the graph category
func Graph(format string, args ...interface{}) {
	Get(CategoryGraph).Info(format, args...)
}

// GraphDebug logs debug to the graph category
func GraphDebug(format string, args ...interface{}) {
	Get(CategoryGraph).Debug(format, args...)
}

// GraphWarn logs warning to the graph category
func GraphWarn(format string, args ...interface{}) {
	Get(CategoryGraph).Warn(format, args...)
}

// GraphError logs error to the graph category
func GraphError(format string, args ...interface{}) {
	Get(CategoryGraph).Error(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...interface{}) {
	Get(CategoryScheduler).Warn(format, args...)
}

// SchedulerError logs error to the scheduler category
func SchedulerError(format string, args ...interface{}) {
	Get(CategoryScheduler).Error(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// EmbeddingWarn logs warning to the embedding category
func EmbeddingWarn(format string, args ...interface{}) {
	Get(CategoryEmbedding).Warn(format, args...)
}

// EmbeddingError logs error to the embedding category
func EmbeddingError(format string, args ...interface{}) {
	Get(CategoryEmbedding).Error(format, args...)
}

// CLI logs to the cli category
func CLI(format string, args ...interface{}) {
	Get(CategoryCLI).Info(format, args...)
}

// CLIDebug logs debug to the cli category
func CLIDebug(format string, args ...interface{}) {
	Get(CategoryCLI).Debug(format, args...)
}

// CLIWarn logs warning to the cli category
func CLIWarn(format string, args ...interface{}) {
	Get(CategoryCLI).Warn(format, args...)
}

// CLIError logs error to the cli category
func CLIError(format string, args ...interface{}) {
	Get(CategoryCLI).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - For distributed request tracing
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger for distributed tracing
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
