// Command fluxctl launches a flux server (or any MCP stdio server) and lists
// or calls its tools from the command line.
//
//	fluxctl [flags] list
//	fluxctl [flags] call <tool> [json-arguments]
//
// Arguments after "--" are passed to the server command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"goa.design/clue/log"

	"github.com/fluxmcp/flux/runtime/mcp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fluxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		serverF  = fs.String("server", "flux", "server command to launch")
		timeoutF = fs.Duration("timeout", 2*time.Minute, "overall timeout")
		rawF     = fs.Bool("raw", false, "print the full JSON result instead of its text")
		dbgF     = fs.Bool("debug", false, "enable debug logs")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: fluxctl [flags] list | call <tool> [json-arguments|-] [-- server-args...]")
		fs.PrintDefaults()
	}
	ours, serverArgs := splitArgs(args)
	if err := fs.Parse(ours); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal), log.WithOutput(stderr))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, cancel := context.WithTimeout(ctx, *timeoutF)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}
	if cmd != "list" && cmd != "call" {
		fs.Usage()
		return 2
	}
	if cmd == "call" && (len(rest) < 1 || len(rest) > 2) {
		fs.Usage()
		return 2
	}

	log.Debugf(ctx, "launching %s %s", *serverF, strings.Join(serverArgs, " "))
	client, err := mcp.NewStdioClient(ctx, mcp.StdioOptions{
		Command: *serverF,
		Args:    serverArgs,
		ClientOptions: mcp.ClientOptions{
			ClientName:    "fluxctl",
			ClientVersion: "1.0.0",
			InitTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		log.Errorf(ctx, err, "failed to start %s", *serverF)
		return 1
	}
	defer func() { _ = client.Close() }()
	log.Debugf(ctx, "connected to %s %s (protocol %s)", client.ServerInfo().Name, client.ServerInfo().Version, client.ProtocolVersion())

	switch cmd {
	case "list":
		err = list(ctx, client, stdout)
	case "call":
		err = call(ctx, client, rest, stdin, stdout, *rawF)
	}
	if err != nil {
		var rpcErr *mcp.Error
		if errors.As(err, &rpcErr) {
			fmt.Fprintf(stderr, "error %d (%s): %s\n", rpcErr.Code, kindOrDefault(rpcErr), rpcErr.Message)
		} else {
			log.Errorf(ctx, err, "%s failed", cmd)
		}
		return 1
	}
	return 0
}

func list(ctx context.Context, client *mcp.Client, out io.Writer) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
	}
	return tw.Flush()
}

func call(ctx context.Context, client *mcp.Client, args []string, stdin io.Reader, out io.Writer, raw bool) error {
	payload := json.RawMessage(`{}`)
	if len(args) == 2 {
		text := args[1]
		if text == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return fmt.Errorf("read arguments: %w", err)
			}
			text = string(data)
		}
		if !json.Valid([]byte(text)) {
			return fmt.Errorf("arguments are not valid JSON: %s", text)
		}
		payload = json.RawMessage(text)
	}
	res, err := client.CallTool(ctx, args[0], payload)
	if err != nil {
		return err
	}
	if raw {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err = fmt.Fprintln(out, res.Text())
	return err
}

// splitArgs separates fluxctl arguments from server arguments at "--".
func splitArgs(args []string) ([]string, []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func kindOrDefault(e *mcp.Error) string {
	if k := e.Kind(); k != "" {
		return k
	}
	return "rpc"
}
