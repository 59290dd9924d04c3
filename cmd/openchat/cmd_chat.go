// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// stopRequestTimeout bounds the stop call fired on Ctrl-C.
const stopRequestTimeout = 5 * time.Second

// runChatCommand dispatches between the three chat entry modes: a one-shot
// message from the arguments, a piped message from stdin, or an interactive
// loop on a terminal.
func runChatCommand(cmd *cobra.Command, args []string) {
	client := newOrchestratorClient(serverURL, sessionToken)

	if len(args) > 0 {
		if err := runChatTurn(client, strings.Join(args, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read stdin: %v\n", err)
			os.Exit(1)
		}
		text := strings.TrimSpace(string(input))
		if text == "" {
			fmt.Fprintln(os.Stderr, "Error: no message given")
			os.Exit(1)
		}
		if err := runChatTurn(client, text); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	runInteractiveChat(client)
}

// runInteractiveChat reads messages line by line until the user exits.
// Ctrl-C during a reply stops that reply; between prompts it exits the
// program, since no signal handler is installed there.
func runInteractiveChat(client *orchestratorClient) {
	fmt.Println("Connected to", serverURL)
	fmt.Println("Type a message and press Enter. \"exit\" or \"quit\" leaves the chat.")

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read input: %v\n", err)
			return
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return
		}

		if err := runChatTurn(client, text); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// runChatTurn sends one message and streams the reply to stdout.
//
// While the stream is open, Ctrl-C is intercepted: the first interrupt
// sends a stop request for the active stream, after which the server ends
// the stream with a cancelled event and the partial reply stays persisted.
func runChatTurn(client *orchestratorClient, text string) error {
	firstTurn := conversationID == ""

	body, err := client.StreamChat(context.Background(), datatypes.StreamRequest{
		ConversationID: conversationID,
		UserText:       text,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	// The watcher needs the stream ID, which only arrives with the start
	// event. Until then an interrupt just tears the connection down; the
	// server detects the disconnect and cancels on its own.
	startCh := make(chan string, 1)
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-watcherDone:
			return
		case <-sigCh:
		}
		select {
		case streamID := <-startCh:
			ctx, cancel := context.WithTimeout(context.Background(), stopRequestTimeout)
			defer cancel()
			if err := client.StopStream(ctx, streamID); err != nil {
				fmt.Fprintf(os.Stderr, "\nError: failed to stop the stream: %v\n", err)
			}
		default:
			body.Close()
		}
	}()

	printer := newStreamPrinter(os.Stdout, func(streamID, convID string) {
		startCh <- streamID
		conversationID = convID
	})
	result, err := printer.Process(body)
	if err != nil {
		return err
	}

	if firstTurn && result.ConversationID != "" {
		fmt.Fprintf(os.Stderr, "[conversation %s]\n", result.ConversationID)
	}
	if showUsage && result.Usage != nil {
		fmt.Fprintf(os.Stderr, "[usage input=%d output=%d finish=%s]\n",
			result.Usage.InputTokens, result.Usage.OutputTokens, result.FinishReason)
	}
	return nil
}

// runHistoryCommand prints the persisted transcript of one conversation.
func runHistoryCommand(cmd *cobra.Command, args []string) {
	client := newOrchestratorClient(serverURL, sessionToken)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	history, err := client.Messages(ctx, args[0], historyLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, msg := range history.Messages {
		marker := ""
		if msg.Status != datatypes.StatusComplete {
			marker = fmt.Sprintf(" [%s]", msg.Status)
		}
		fmt.Printf("%s%s: %s\n", msg.Role, marker, msg.Content)
	}
}
