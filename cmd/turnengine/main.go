package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kilroy-labs/turnengine/internal/conversation"
	"github.com/kilroy-labs/turnengine/internal/cxdb"
	"github.com/kilroy-labs/turnengine/internal/hooks"
	"github.com/kilroy-labs/turnengine/internal/tools"
	"github.com/kilroy-labs/turnengine/internal/toolexec"
	"github.com/kilroy-labs/turnengine/internal/transport"
	"github.com/kilroy-labs/turnengine/internal/turn"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runTurn(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  turnengine run --prompt <text> [--root <dir>] [--model <name>] [--system <text>]")
	fmt.Fprintln(os.Stderr, "                 [--hooks <file>] [--base-url <url>] [--max-tokens <n>]")
}

func runTurn(args []string) {
	var (
		prompt    string
		root      = "."
		model     = "claude-sonnet-4-5"
		system    string
		hooksPath = ""
		baseURL   = "https://api.anthropic.com"
		maxTokens = 8192
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--prompt":
			i++
			requireValue(args, i, "--prompt")
			prompt = args[i]
		case "--root":
			i++
			requireValue(args, i, "--root")
			root = args[i]
		case "--model":
			i++
			requireValue(args, i, "--model")
			model = args[i]
		case "--system":
			i++
			requireValue(args, i, "--system")
			system = args[i]
		case "--hooks":
			i++
			requireValue(args, i, "--hooks")
			hooksPath = args[i]
		case "--base-url":
			i++
			requireValue(args, i, "--base-url")
			baseURL = args[i]
		case "--max-tokens":
			i++
			requireValue(args, i, "--max-tokens")
			n, err := parseInt(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--max-tokens: %v\n", err)
				os.Exit(1)
			}
			maxTokens = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if prompt == "" {
		usage()
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "[turnengine] ", log.LstdFlags)

	exec, err := toolexec.NewExecutor(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	convergencePath := root + "/.turnengine/convergence.json"
	runner, err := hooks.NewRunner(hooksPath, convergencePath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sessionID := time.Now().UTC().Format("2006-01-02") + "-" + ulid.Make().String()
	sessionDir := root + "/.turnengine/sessions/" + sessionID

	journal, err := cxdb.NewTurnJournal(sessionDir, sessionID, model, root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := journal.WritePrompt(prompt); err != nil {
		logger.Printf("warning: could not write prompt.txt: %v", err)
	}

	client := transport.NewClient(baseURL, os.Getenv("ANTHROPIC_API_KEY"))

	loop := &turn.Loop{
		Client:    client,
		Hooks:     runner,
		Exec:      exec,
		Writer:    journal,
		Logger:    logger,
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Tools:     tools.Registry(),
		Cwd:       root,
	}

	reason := loop.Run(context.Background(), conversation.New(), prompt)
	if err := journal.WriteContext(); err != nil {
		logger.Printf("warning: could not write context.md: %v", err)
	}
	fmt.Printf("stop_reason=%s\n", reason)
}

func requireValue(args []string, i int, flag string) {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
}

func parseInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a non-negative integer: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
