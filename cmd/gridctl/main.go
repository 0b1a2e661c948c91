// gridctl is the command line client for gridd.
//
// With arguments it runs one command and exits. On a terminal it starts an
// interactive prompt; otherwise it reads one command per line from stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/oceangrid/internal/client"
)

func main() {
	server := flag.String("server", envOr("GRIDD_URL", "http://localhost:8080"), "gridd base URL (or GRIDD_URL env)")
	timeout := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Parse()

	c, err := client.New(&client.Config{BaseURL: *server, RequestTimeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridctl: %v\n", err)
		os.Exit(2)
	}
	cli := &CLI{client: c, out: os.Stdout, timeout: *timeout}

	if flag.NArg() > 0 {
		if err := cli.Execute(flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		interactive(cli, *server)
		return
	}

	failed := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := cli.Execute(strings.Fields(line)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", line, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func interactive(cli *CLI, server string) {
	fmt.Printf("gridctl connected to %s. Type 'help' for commands, 'exit' to quit.\n", server)

	p := prompt.New(
		func(line string) {
			line = strings.TrimSpace(line)
			switch line {
			case "":
				return
			case "exit", "quit":
				fmt.Println("Bye!")
				os.Exit(0)
			}
			if err := cli.Execute(strings.Fields(line)); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		},
		completer,
		prompt.OptionPrefix("gridctl> "),
		prompt.OptionTitle("gridctl"),
	)
	p.Run()
}

func completer(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	s := make([]prompt.Suggest, 0, len(commands)+1)
	for _, cmd := range commands {
		s = append(s, prompt.Suggest{Text: cmd.name, Description: cmd.usage})
	}
	s = append(s, prompt.Suggest{Text: "exit", Description: "leave the prompt"})
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
