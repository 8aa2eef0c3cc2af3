// Package app assembles the store, tools, flow catalog and engine from configuration.
package app

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

const (
	// DefaultStateDir is the default directory for OnboardPipe state data.
	DefaultStateDir = "/var/lib/onboardpipe"
	// DefaultDBFileName is the SQLite file used when no DATABASE_URL is set.
	DefaultDBFileName = "onboardpipe.db"
)

// Config holds everything needed to build the engine.
type Config struct {
	StateDir string `default:"/var/lib/onboardpipe" validate:"required"`
	// DatabaseURL selects the store; "memory" keeps everything in process.
	// Empty means an SQLite file in StateDir.
	DatabaseURL string
	// FlowsDir holds flow files seeded into the store at startup.
	FlowsDir string
	// ToolsFile declares configured tools.
	ToolsFile   string
	StrictFlows bool

	OpenAIKey   string
	OpenAIModel string `default:"gpt-4o-mini"`
	GenAIDebug  bool

	Engine flow.Config
}

// LoadConfig reads .env and the process environment.
func LoadConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("LoadConfig: no .env file loaded", "error", err)
	}
	cfg := Config{
		StateDir:    os.Getenv("ONBOARDPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		FlowsDir:    os.Getenv("FLOWS_DIR"),
		ToolsFile:   os.Getenv("TOOLS_FILE"),
		StrictFlows: util.ParseBoolEnv("STRICT_FLOWS", false),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),
	}
	cfg.Engine.ActionFailureWindow = util.ParseDurationEnv("ACTION_FAILURE_WINDOW", 0)
	cfg.Engine.InvalidMarkerWindow = util.ParseDurationEnv("INVALID_MARKER_WINDOW", 0)
	cfg.Engine.CanonicalDefaultFlow = os.Getenv("CANONICAL_DEFAULT_FLOW")
	cfg.Engine.GlobalMemoryFields = util.ParseListEnv("GLOBAL_MEMORY_FIELDS")
	cfg.Engine.RetryPhrases = util.ParseListEnv("RETRY_PHRASES")

	slog.Debug("LoadConfig: environment loaded",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"flows_dir", cfg.FlowsDir,
		"tools_file", cfg.ToolsFile,
		"openai_key_set", cfg.OpenAIKey != "")
	return cfg
}

// Prepare applies defaults and validates.
func (c *Config) Prepare() error {
	return util.PrepareConfig(c)
}

// StoreDSN returns the connection string the store is opened with.
func (c Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// FileBacked reports whether the store lives in StateDir and needs the directory lock.
func (c Config) FileBacked() bool {
	return store.DetectDSNType(c.StoreDSN()) == store.BackendSQLite
}
