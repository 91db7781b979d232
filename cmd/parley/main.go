// Command parley holds a conversation with a realtime speech model.
//
// Usage:
//
//	parley [flags] <command> [args]
//
// Commands:
//
//	run        - start a voice (or --text) conversation
//	knowledge  - inspect and edit the knowledge store
//	devices    - list the audio backends compiled into this binary
//
// Configuration is read from --config (YAML), then .env, then PARLEY_*
// environment variables. OPENAI_API_KEY is required for run.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
