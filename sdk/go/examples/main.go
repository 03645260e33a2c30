package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"AgentRelay/sdk/go/agentrelay"
)

// Interactive client loop against a running agentrelayd. Each input line is
// sent to the builtin echo capability; meta-commands are handled locally.
func main() {
	baseURL := os.Getenv("AGENTRELAY_ADDR")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client, err := agentrelay.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create client: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("agentrelay console. Type 'help' for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			return
		case "help":
			fmt.Println("commands:")
			fmt.Println("  help   show this message")
			fmt.Println("  tools  list registered capabilities")
			fmt.Println("  exit   leave the console")
			fmt.Println("anything else is sent to the echo capability")
			continue
		case "tools":
			listTools(client)
			continue
		}

		runEcho(client, line)
	}
}

func listTools(client *agentrelay.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	capabilities, err := client.ListCapabilities(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list capabilities: %v\n", err)
		return
	}
	if len(capabilities) == 0 {
		fmt.Println("no capabilities registered")
		return
	}
	for _, entry := range capabilities {
		state := "approved"
		if !entry.Approved {
			state = "pending approval"
		}
		fmt.Printf("  %s (%s)\n", entry.Name, state)
	}
}

func runEcho(client *agentrelay.Client, task string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ticket, err := client.Invoke(ctx, agentrelay.Invocation{
		Capability: "echo",
		Args:       map[string]any{"task": task},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoke: %v\n", err)
		return
	}

	record, err := client.WaitInvocation(ctx, ticket.RequestID, 200*time.Millisecond)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		return
	}
	if record.Status == "completed" {
		fmt.Printf("%v\n", record.Response)
		return
	}
	fmt.Fprintf(os.Stderr, "invocation failed (%s): %s\n", record.ErrorCode, record.Error)
}
