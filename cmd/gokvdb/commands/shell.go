package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvdb/internal/client"
	"github.com/dantte-lp/gokvdb/internal/store"
	"github.com/dantte-lp/gokvdb/internal/wire"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"set KEY VALUE", "Store VALUE under KEY on every replica"},
	{"get KEY", "Show the value of KEY"},
	{"del KEY", "Delete KEY"},
	{"getkeys [COLUMNS]", "List all keys, formatted into columns"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the shell"},
}

// defaultKeyColumns is the column count for the key listing.
const defaultKeyColumns = 2

func cmdShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cmd",
		Short: "Start an interactive client shell",
		Long:  "Connects to the router as a client and launches a simple REPL for set/get/del/getkeys.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog, err := newLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			cl, err := client.Dial(cmd.Context(), client.Config{
				Addr:     dialAddr(),
				Password: flagPassword,
				TLS:      clientTLSConfig(),
			}, logger)
			if err != nil {
				return err
			}
			defer cl.Close()

			return runShell(cmd.Context(), cl)
		},
	}
}

// runShell reads commands from stdin until EOF or exit.
func runShell(ctx context.Context, cl *client.Client) error {
	fmt.Printf("gokvdb shell, protocol v%d. Type 'help' for help.\n\n", wire.Version)
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("(gokvdb) ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		args := strings.Fields(line)

		if len(args) > 0 {
			if args[0] == "exit" || args[0] == "quit" {
				return nil
			}
			runShellCommand(ctx, cl, args)
		}

		fmt.Print("(gokvdb) ")
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// runShellCommand dispatches one shell line.
func runShellCommand(ctx context.Context, cl *client.Client, args []string) {
	switch args[0] {
	case "help", "?":
		printShellHelp()

	case "set":
		if len(args) != 3 {
			fmt.Fprintf(os.Stderr, "Error: expected 2 arguments, got %d\n", len(args)-1)
			return
		}
		if err := cl.Set([]byte(args[1]), []byte(args[2])); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}

	case "get", "show", "view", "print":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Error: expected 1 argument")
			return
		}
		value, err := cl.Get(ctx, []byte(args[1]))
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
			fmt.Fprintf(os.Stderr, "Error: key %q not found\n", args[1])
		case err != nil:
			fmt.Fprintln(os.Stderr, "Error:", err)
		default:
			fmt.Printf("%s\n", value)
		}

	case "del", "delete", "remove":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Error: expected 1 argument")
			return
		}
		if err := cl.Delete([]byte(args[1])); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}

	case "getkeys", "keys", "list":
		cols := defaultKeyColumns
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				fmt.Fprintln(os.Stderr, "Error: invalid column count")
				return
			}
			cols = n
		}
		keys, err := cl.GetKeys(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return
		}
		printKeyColumns(keys, cols)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q, try 'help'\n", args[0])
	}
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-20s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}

// printKeyColumns prints the sorted key listing in the given number of
// tab-separated columns.
func printKeyColumns(keys [][]byte, cols int) {
	sorted := make([]string, len(keys))
	for i, k := range keys {
		sorted[i] = string(k)
	}
	sort.Strings(sorted)

	for i := 0; i < len(sorted); i += cols {
		row := sorted[i:min(i+cols, len(sorted))]
		fmt.Println(strings.Join(row, "\t"))
	}
}
