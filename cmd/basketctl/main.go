package main

import (
	"fmt"
	"os"

	"github.com/lsm/basket/internal/cli"
)

const usage = `basketctl - Basket operator toolkit

Usage:
  basketctl <command> [arguments]

Commands:
  produce               Send test events to a topic
  health                Check configuration and broker reachability
  validate [path...]    Validate ingestion policy files

Run 'basketctl <command> -h' for help on a specific command.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		fmt.Println(usage)
		return nil
	}

	switch args[0] {
	case "produce":
		return cli.RunProduce(args[1:])
	case "health":
		return cli.RunHealth(args[1:])
	case "validate":
		return cli.RunValidate(args[1:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'basketctl help' for usage", args[0])
	}
}
