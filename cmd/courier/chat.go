package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldline/courier/internal/agent"
)

func newChatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if conversationID == "" {
				conversationID = "chat-" + uuid.NewString()[:8]
			}
			fmt.Printf("courier chat (conversation %s). Type a message, or /quit to exit.\n", conversationID)

			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}

				reply, err := a.loop.RunTurn(ctx, conversationID, line)
				if err != nil {
					if errors.Is(err, agent.ErrTurnInProgress) {
						fmt.Println("(a turn is still running)")
						continue
					}
					fmt.Fprintln(os.Stderr, "turn failed:", err)
					continue
				}
				for _, inv := range reply.Invocations {
					status := "ok"
					if inv.IsError {
						status = inv.ErrorKind
					}
					fmt.Printf("  [%s %s]\n", inv.Tool, status)
				}
				fmt.Println(reply.Text)
			}
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID to continue")
	return cmd
}
