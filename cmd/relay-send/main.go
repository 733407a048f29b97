// Package main is a producer-side CLI for the relay broker: it lists
// connected consumer instances and submits prompts to them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/producer"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

func main() {
	brokerURL := flag.String("broker", "http://127.0.0.1:8765", "Broker base URL (loopback only)")
	listOnly := flag.Bool("list", false, "List connected consumer instances and exit")
	prompt := flag.String("prompt", "", "Prompt text to submit")
	sourceURL := flag.String("url", "http://localhost/", "Source page URL")
	title := flag.String("title", "", "Source page title")
	selected := flag.String("selected", "", "Selected text from the page")
	target := flag.Int("target", 0, "Explicit target client id (0 routes to the most recently active)")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *logLevel == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	client, err := producer.NewClient(*brokerURL, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *listOnly {
		instances, err := client.ListInstances(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		if len(instances) == 0 {
			fmt.Println("no consumers connected")
			return
		}
		for _, inst := range instances {
			fmt.Printf("%3d  %-20s %-40s last active %s\n",
				inst.ID, inst.Workspace, inst.WorkspacePath, inst.LastActive)
		}
		return
	}

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "error: -prompt is required unless -list is given")
		os.Exit(1)
	}

	req := &protocol.PromptRequest{
		URL:          *sourceURL,
		Title:        *title,
		SelectedText: *selected,
		Prompt:       *prompt,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if *target > 0 {
		req.TargetClientID = target
	}

	result, err := client.Submit(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Printf("%s (client %d)\n", result.Message, result.TargetClientID)
}
