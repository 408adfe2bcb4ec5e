package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLoggingState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
	auditLogger = nil
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true.
func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".memoryengine")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true,
				"performance": true,
				"substrate": true,
				"record": true,
				"retrieval": true,
				"consolidate": true,
				"arbiter": true,
				"quality": true,
				"graph": true,
				"scheduler": true,
				"embedding": true,
				"cli": true
			}
		}
	}`

	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryPerformance,
		CategorySubstrate,
		CategoryRecord,
		CategoryRetrieval,
		CategoryConsolidate,
		CategoryArbiter,
		CategoryQuality,
		CategoryGraph,
		CategoryScheduler,
		CategoryEmbedding,
		CategoryCLI,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Boot("Convenience boot log")
	Substrate("Convenience substrate log")
	Record("Convenience record log")
	Retrieval("Convenience retrieval log")
	Consolidate("Convenience consolidate log")
	Arbiter("Convenience arbiter log")
	Quality("Convenience quality log")
	Graph("Convenience graph log")
	Scheduler("Convenience scheduler log")
	Embedding("Convenience embedding log")
	CLI("Convenience cli log")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".memoryengine", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	t.Logf("Created %d log files in %s", len(entries), logsPath)

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false.
func TestDebugModeDisabled(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_disabled")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".memoryengine")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": false,
			"categories": {
				"boot": true,
				"substrate": true
			}
		}
	}`

	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be DISABLED (production mode)")
	}

	categories := []Category{CategoryBoot, CategorySubstrate, CategoryRecord}
	for _, cat := range categories {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when debug_mode=false", cat)
		}
	}

	Boot("This should NOT be logged")
	Substrate("This should NOT be logged")
	Record("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Debug("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".memoryengine", "logs")
	_, err = os.Stat(logsPath)
	if err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files in production mode, but found %d files", len(entries))
		}
	} else if !os.IsNotExist(err) {
		t.Fatalf("unexpected stat error: %v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable.
func TestCategoryToggle(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_category")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".memoryengine")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true,
				"substrate": true,
				"graph": false,
				"quality": false
			}
		}
	}`

	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategorySubstrate) {
		t.Error("substrate should be enabled")
	}
	if IsCategoryEnabled(CategoryGraph) {
		t.Error("graph should be DISABLED")
	}
	if IsCategoryEnabled(CategoryQuality) {
		t.Error("quality should be DISABLED")
	}
	if !IsCategoryEnabled(CategoryRecord) {
		t.Error("record (not in config) should default to enabled")
	}

	Boot("This SHOULD be logged")
	Substrate("This SHOULD be logged")
	Graph("This should NOT be logged")
	Quality("This should NOT be logged")
	Record("This SHOULD be logged (default enabled)")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".memoryengine", "logs")
	entries, _ := os.ReadDir(logsPath)

	hasBootLog, hasSubstrateLog, hasGraphLog, hasQualityLog := false, false, false, false
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.Contains(name, "boot"):
			hasBootLog = true
		case strings.Contains(name, "substrate"):
			hasSubstrateLog = true
		case strings.Contains(name, "graph"):
			hasGraphLog = true
		case strings.Contains(name, "quality"):
			hasQualityLog = true
		}
	}

	if !hasBootLog {
		t.Error("Expected boot log file")
	}
	if !hasSubstrateLog {
		t.Error("Expected substrate log file")
	}
	if hasGraphLog {
		t.Error("Should NOT have graph log file (disabled)")
	}
	if hasQualityLog {
		t.Error("Should NOT have quality log file (disabled)")
	}
}

// TestTimerLogging tests the timing helper.
func TestTimerLogging(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_timer")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".memoryengine")
	os.MkdirAll(configDir, 0755)

	configContent := `{"logging": {"level": "debug", "debug_mode": true}}`
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configContent), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategorySubstrate, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
	CloseAudit()
}
