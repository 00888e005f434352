// Package edachat holds process-wide defaults shared by the edachat packages.
package edachat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "edachat"

	// DefaultMaxTurns is the number of user turns a conversation accepts before it
	// must be reset.
	DefaultMaxTurns = 10

	// DefaultMaxCumulativeTokens caps the tokens a conversation may spend.
	DefaultMaxCumulativeTokens = 25000
	DefaultNearLimitTurns      = 8
	DefaultNearLimitTokens     = 20000

	DefaultContextBudgetTokens = 6000
	DefaultMaxOutputTokens     = 3000
	DefaultSampleRows          = 5
	DefaultTopCategories       = 5
	DefaultGroupingCardinality = 20

	DefaultGatewayProvider = "anthropic"
	DefaultAnthropicModel  = "claude-sonnet-4-20250514"
	DefaultOpenAIModel     = "gpt-4o-mini"

	DefaultServerAddr = ":8080"
)

var (
	DefaultConfigPath = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir    = filepath.Join(userDataDir(), DefaultAppName)
	DefaultStorePath  = filepath.Join(DefaultDataDir, "transcripts.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
