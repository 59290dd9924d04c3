// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL      string
	sessionToken   string
	conversationID string
	showUsage      bool
	historyLimit   int

	rootCmd = &cobra.Command{
		Use:   "openchat",
		Short: "A cli to chat against an openchatd orchestrator",
		Long: `openchat talks to a running openchatd orchestrator over its HTTP API.
				It streams assistant tokens as they are generated, keeps multi-turn
				conversations on one session, and can stop a generation mid-flight.`,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply, or start an interactive session",
		Long: `chat sends one message when given as an argument, or starts an
				interactive loop when run from a terminal without one. Press Ctrl-C
				during a reply to stop the generation; the partial reply is kept
				on the server.`,
		Run: runChatCommand, // Defined in cmd_chat.go
	}

	// --- History ---
	historyCmd = &cobra.Command{
		Use:   "history [conversation_id]",
		Short: "Print the persisted transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runHistoryCommand, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
	}
	newSessionCmd = &cobra.Command{
		Use:   "new",
		Short: "Provision a session token ahead of the first chat",
		Run:   runNewSession, // Defined in cmd_session.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the session behind the configured token",
		Run:   runShowSession, // Defined in cmd_session.go
	}

	// --- Utilities ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check whether the orchestrator is up",
		Run:   runStatusCommand, // Defined in cmd_session.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getServerBaseURL(),
		"Base URL of the orchestrator (or set OPENCHATD_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&sessionToken, "session", "",
		"Session token to resume; a new session is issued when omitted")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&conversationID, "conversation", "",
		"Continue an existing conversation by ID")
	chatCmd.Flags().BoolVar(&showUsage, "usage", false,
		"Print token usage after each reply")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0,
		"Only show the last N messages (0 shows everything)")

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(newSessionCmd)
	sessionCmd.AddCommand(showSessionCmd)

	rootCmd.AddCommand(statusCmd)
}
