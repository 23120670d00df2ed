// Package config gathers every environment-variable-keyed setting the
// orchestrator reads into a single typed struct built once at startup.
package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the orchestrator process.
type Config struct {
	Port      int
	Version   string
	Cutover   CutoverConfig
	Schema    SchemaConfig
	Readiness ReadinessConfig
	Lease     LeaseConfig
	Store     StoreConfig
	Evidence  EvidenceConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

type CutoverConfig struct {
	// CutoverUntilMs is the resolved value of CUTOVER_UNTIL_MS, falling back
	// to the deprecated DUALWRITE_UNTIL_MS when the former is unset. See
	// open question 1: CUTOVER_UNTIL_MS wins whenever both are set.
	CutoverUntilMs int64
}

type SchemaConfig struct {
	Mode               string // off | warn | strict
	ValidationEnabled  bool
}

type ReadinessConfig struct {
	StrictInit bool
	NoMCP      bool
}

type LeaseConfig struct {
	ReclaimInterval int // seconds
}

type StoreConfig struct {
	DatabaseURL string
	LogsDir     string
}

type EvidenceConfig struct {
	AllowRunIDOverwrite bool
	MemoryWriteEnabled  bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// DerivationConfig holds the three toggles that gate the Derivation
// Engine. They are not fields of Config: Config.Derivation reads them from
// the environment when it is called.
type DerivationConfig struct {
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool
}

// Load reads configuration from environment variables with sensible
// defaults. The derivation toggles (ENABLE_TOOL_DERIVATION,
// ENABLE_REPLY_DERIVATION, TOOL_ONLY_MODE) are not read here; see
// Derivation.
func Load() *Config {
	return &Config{
		Port:    envInt("ORCHESTRATOR_PORT", 8080),
		Version: envStr("ORCHESTRATOR_VERSION", "0.1.0"),
		Cutover: CutoverConfig{
			CutoverUntilMs: resolveCutoverUntilMs(),
		},
		Schema: SchemaConfig{
			Mode:              envStr("SCHEMA_GATE_MODE", "warn"),
			ValidationEnabled: envBool("ENABLE_TICKET_SCHEMA_VALIDATION", true),
		},
		Readiness: ReadinessConfig{
			StrictInit: envBool("STRICT_MCP_INIT", false),
			NoMCP:      envBool("NO_MCP", false),
		},
		Lease: LeaseConfig{
			ReclaimInterval: envInt("LEASE_RECLAIM_INTERVAL", 5),
		},
		Store: StoreConfig{
			DatabaseURL: envStr("DATABASE_URL", ""),
			LogsDir:     envStr("LOGS_DIR", "./data/logs"),
		},
		Evidence: EvidenceConfig{
			AllowRunIDOverwrite: envBool("ALLOW_RUN_ID_OVERWRITE", false),
			MemoryWriteEnabled:  envBool("MEMORY_WRITE_ENABLED", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "orchestrator"),
		},
		LogLevel: envStr("ORCHESTRATOR_LOG_LEVEL", "info"),
	}
}

// Derivation builds the derivation toggle set from the environment. Kept
// separate from Load's struct literal because these three keys are read
// together at exactly one site (the Derivation Engine constructor).
func (c *Config) Derivation() DerivationConfig {
	return DerivationConfig{
		EnableToolDerivation:  envBool("ENABLE_TOOL_DERIVATION", false),
		EnableReplyDerivation: envBool("ENABLE_REPLY_DERIVATION", false),
		ToolOnlyMode:          envBool("TOOL_ONLY_MODE", false),
	}
}

// resolveCutoverUntilMs implements the precedence decided in DESIGN.md for
// open question 1: CUTOVER_UNTIL_MS wins when both it and the deprecated
// DUALWRITE_UNTIL_MS are set; the deprecated key is honored only alone.
func resolveCutoverUntilMs() int64 {
	if v := os.Getenv("CUTOVER_UNTIL_MS"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	if v := os.Getenv("DUALWRITE_UNTIL_MS"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
