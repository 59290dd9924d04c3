// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// runNewSession provisions a session and prints its token, one per line so
// the output is script-friendly:
//
//	export OPENCHAT_SESSION=$(openchat session new | head -1)
func runNewSession(cmd *cobra.Command, args []string) {
	client := newOrchestratorClient(serverURL, sessionToken)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	sess, err := client.CreateSession(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(sess.ID)
	fmt.Fprintf(os.Stderr, "[expires %s]\n", sess.ExpiresAt.Format(time.RFC3339))
}

// runShowSession looks up the session behind the configured token.
func runShowSession(cmd *cobra.Command, args []string) {
	if sessionToken == "" {
		fmt.Fprintln(os.Stderr, "Error: --session is required")
		os.Exit(1)
	}
	client := newOrchestratorClient(serverURL, sessionToken)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	sess, err := client.GetSession(ctx, sessionToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("session:       %s\n", sess.ID)
	fmt.Printf("created:       %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("last activity: %s\n", sess.LastActivity.Format(time.RFC3339))
	fmt.Printf("expires:       %s\n", sess.ExpiresAt.Format(time.RFC3339))
}

// runStatusCommand probes the orchestrator's health endpoint.
func runStatusCommand(cmd *cobra.Command, args []string) {
	client := newOrchestratorClient(serverURL, sessionToken)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok:", serverURL)
}
