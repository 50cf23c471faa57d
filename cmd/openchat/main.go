// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command openchat starts the OpenChat streaming chat service.
//
// The server reads its configuration from ~/.openchat/openchat.yaml
// (override with OPENCHAT_CONFIG) and its secrets from the environment.
//
// # Environment Variables
//
//   - OPENROUTER_API_KEY: Provider API key for server-key mode
//   - PERSISTENCE_SERVICE_TOKEN: Bearer token for the message store
//   - PERSISTENCE_URL: Message store base URL (overrides config)
//   - OPENCHAT_CONFIG: Alternate config file path
//
// # Usage
//
//	# Build
//	go build -o openchat ./cmd/openchat
//
//	# Run
//	./openchat serve
//
//	# Run on an alternate port
//	./openchat serve --port 8080
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
