// mock-agent stands in for a real code-generation agent in integration
// testing. It reads the prompt from stdin and behaves per MOCK_AGENT_*
// environment variables:
//
//	MOCK_AGENT_EXIT_CODE  exit code (default 0)
//	MOCK_AGENT_SLEEP_MS   delay before exiting (default 0)
//	MOCK_AGENT_STDOUT     line written to stdout (default echoes the prompt)
//	MOCK_AGENT_STDERR     line written to stderr
//	MOCK_AGENT_TOUCH      file created in the working directory
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	var sb strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	prompt := strings.TrimSpace(sb.String())

	if ms := envInt("MOCK_AGENT_SLEEP_MS", 0); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}

	if out := os.Getenv("MOCK_AGENT_STDOUT"); out != "" {
		fmt.Println(out)
	} else {
		fmt.Printf("mock-agent: received prompt (%d bytes)\n", len(prompt))
	}
	if errLine := os.Getenv("MOCK_AGENT_STDERR"); errLine != "" {
		fmt.Fprintln(os.Stderr, errLine)
	}
	if name := os.Getenv("MOCK_AGENT_TOUCH"); name != "" {
		if err := os.WriteFile(name, []byte(prompt+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: touch %s: %v\n", name, err)
		}
	}

	os.Exit(envInt("MOCK_AGENT_EXIT_CODE", 0))
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
