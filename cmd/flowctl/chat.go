package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/OnboardPipe/internal/app"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

const chatHelp = `Type a message to send it. Commands:
  /session  print the current session
  /reset    end the session and clear its data
  /quit     exit`

func newChatCmd() *cobra.Command {
	var (
		userID    string
		flowsDir  string
		toolsFile string
		dsn       string
		stateDir  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the flow engine from the terminal",
		Long: `Chat builds the engine from the given flows and tools and drives it with lines
read from standard input. The store is in memory unless --db-dsn is set.

Example:
  flowctl chat --flows-dir flows/ --tools tools.yaml
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			cfg.StateDir = stateDir
			cfg.DatabaseURL = dsn
			cfg.FlowsDir = flowsDir
			cfg.ToolsFile = toolsFile

			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return chatLoop(cmd, a, userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local-user", "user ID the messages come from")
	cmd.Flags().StringVar(&flowsDir, "flows-dir", os.Getenv("FLOWS_DIR"), "directory of flow files")
	cmd.Flags().StringVar(&toolsFile, "tools", os.Getenv("TOOLS_FILE"), "tools file")
	cmd.Flags().StringVar(&dsn, "db-dsn", "memory", "store DSN")
	cmd.Flags().StringVar(&stateDir, "state-dir", os.TempDir(), "state directory for debug output")
	return cmd
}

func chatLoop(cmd *cobra.Command, a *app.App, userID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, chatHelp)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/reset":
			if err := a.Engine.Reset(ctx, userID); err != nil {
				fmt.Fprintf(out, "reset failed: %v\n", err)
			} else {
				fmt.Fprintln(out, "session reset")
			}
			continue
		case "/session":
			printSession(ctx, out, a, userID)
			continue
		}

		reply, err := a.Engine.HandleMessage(ctx, models.InboundMessage{UserID: userID, Text: line})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if reply.Text != "" {
			fmt.Fprintf(out, "bot: %s\n", reply.Text)
		}
		if reply.Ended {
			fmt.Fprintf(out, "[flow %s ended]\n", reply.FlowID)
		}
	}
}

func printSession(ctx context.Context, out io.Writer, a *app.App, userID string) {
	view, err := a.Engine.Session(ctx, userID)
	if err != nil {
		fmt.Fprintf(out, "no session: %v\n", err)
		return
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "encode session: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(data))
}
