package errors

import "sort"

// Template defines a registered error type.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// Error codes.
const (
	CodeConfigNotFound  = "E100"
	CodeConfigParse     = "E101"
	CodeConfigInvalid   = "E102"
	CodeUnknownCodec    = "E103"
	CodeListen          = "E110"
	CodeShutdown        = "E111"
	CodeRegisterTracker = "E120"
	CodeUnknownDemo     = "E121"
	CodeInvalidFlag     = "E130"
)

// registry maps error codes to their templates.
var registry = map[string]Template{
	// ============================================
	// Configuration Errors (E100-E109)
	// ============================================

	CodeConfigNotFound: {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Detail:     "The file passed with --config does not exist.",
		Suggestion: "Run 'shocked serve' without --config to use the defaults",
	},
	CodeConfigParse: {
		Category:   CategoryConfig,
		Message:    "Invalid configuration file",
		Detail:     "The configuration file is not valid YAML or has values of the wrong type.",
		Suggestion: "Check the file against the example in the README",
	},
	CodeConfigInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	CodeUnknownCodec: {
		Category:   CategoryConfig,
		Message:    "Unknown wire codec",
		Suggestion: "Use 'json' or 'cbor'",
	},

	// ============================================
	// Server Errors (E110-E119)
	// ============================================

	CodeListen: {
		Category:   CategoryServer,
		Message:    "Server failed",
		Detail:     "The HTTP server stopped with an error.",
		Suggestion: "Check that the address is free and valid",
	},
	CodeShutdown: {
		Category: CategoryServer,
		Message:  "Graceful shutdown failed",
	},

	// ============================================
	// Registry Errors (E120-E129)
	// ============================================

	CodeRegisterTracker: {
		Category: CategoryRegistry,
		Message:  "Tracker registration failed",
	},
	CodeUnknownDemo: {
		Category:   CategoryRegistry,
		Message:    "Unknown demo tracker",
		Suggestion: "Use 'counter' or 'todo'",
	},

	// ============================================
	// CLI Errors (E130-E139)
	// ============================================

	CodeInvalidFlag: {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},
}

// Codes returns all registered error codes, sorted.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
