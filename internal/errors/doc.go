// Package errors provides coded, actionable errors for the shocked CLI.
//
// Every Error carries a code (e.g., "E101") that maps to a registered
// template with a short message, an explanation and a hint:
//
//	err := errors.New(errors.CodeConfigParse).
//	    WithField("server.codec").
//	    Wrap(cause)
//
//	errors.Fprint(os.Stderr, err)
//	// Output:
//	// ERROR E101: Invalid configuration file
//	//
//	//   server.codec
//	//
//	//   The configuration file is not valid YAML or has values of the wrong type.
//	//
//	//   Cause: ...
//	//
//	//   Hint: Check the file against the example in the README
//
// # Error Codes
//
//   - E100-E109: configuration file
//   - E110-E119: server lifecycle
//   - E120-E129: tracker registry
//   - E130-E139: command-line flags
package errors
