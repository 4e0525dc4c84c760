// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tactics runs the analytics resilience layer: the operator HTTP
// gateway, provider syncs, retry queue replay and the encrypted vault.
//
// # Usage
//
//	tactics serve                     # gateway, replay loop and tracing
//	tactics health                    # database and system health as JSON
//	tactics retry                     # one retry queue pass
//	tactics sync --company acme       # fetch configured providers
//	tactics vault put acme raw q1.csv ./q1.csv
//	tactics token encrypt <secret>
//	tactics config init|show
//
// Configuration is read from ~/.tactics/tactics.yaml or $TACTICS_CONFIG.
// Secrets come from the environment only.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
