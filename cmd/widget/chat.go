package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	widget "github.com/supportline/widget-go"
)

var (
	chatMetricsAddr string
	chatHistory     bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	chatCmd.Flags().BoolVar(&chatHistory, "history", true, "print earlier messages of a resumed conversation")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat with support",
	Long: `Connect to the conversation's realtime channel and chat from the terminal.

Lines typed are sent as visitor messages. Commands:
  /read    mark support replies as read
  /status  show the connection state and metrics
  /quit    leave the chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(chatMetricsAddr)
		if err != nil {
			return err
		}
		defer s.close()
		w := s.widget

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		defer w.OnMessage(func(e widget.MessageEvent) {
			if e.Type == widget.MessageAdded && e.Message.SenderType != widget.SenderVisitor {
				printMessage(e.Message)
			}
			if e.Type == widget.MessageRemoved {
				fmt.Printf("! message not delivered: %s\n", e.Message.Content)
			}
		})()
		defer w.OnTyping(func(t widget.TypingSignal) {
			if t.IsTyping {
				fmt.Printf("… %s is typing\n", valueOrDefault(t.UserName, "support"))
			}
		})()
		defer w.OnStatus(func(c widget.StateChange) {
			switch c.To {
			case widget.StateConnected:
				fmt.Println("* connected")
			case widget.StateRetrying:
				fmt.Println("* connection lost, retrying")
			case widget.StateFallback:
				fmt.Println("* realtime unavailable, polling for replies")
			}
		})()

		if err := w.Connect(ctx); err != nil {
			fmt.Printf("* realtime connect failed: %v\n", err)
		}
		s.rememberConversation()

		if chatHistory {
			if _, err := w.Sync(ctx); err == nil {
				for _, m := range w.Messages() {
					printMessage(m)
				}
			}
		}
		fmt.Printf("Conversation %s. Type /quit to leave.\n", w.ConversationID())

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if done := handleLine(ctx, w, strings.TrimSpace(line)); done {
					return nil
				}
			}
		}
	},
}

// handleLine runs a chat command or sends line. It reports whether to quit.
func handleLine(ctx context.Context, w *widget.Widget, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/read":
		n, err := w.MarkRead(ctx)
		if err != nil {
			fmt.Printf("! mark read failed: %v\n", err)
		} else {
			fmt.Printf("* %d marked read\n", n)
		}
		return false
	case "/status":
		m := w.Metrics()
		fmt.Printf("* state=%s attempts=%d successes=%d failures=%d retries=%d latency=%s polling=%t\n",
			w.ConnectionStatus(), m.Attempts, m.Successes, m.Failures, m.RetryCount,
			m.LastLatency.Round(time.Millisecond), w.Polling())
		if e := w.ConnectionError(); e != "" {
			fmt.Printf("* last error: %s\n", e)
		}
		return false
	}

	w.SendTypingIndicator(ctx, true)
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := w.SendMessage(sendCtx, line); err != nil {
		fmt.Printf("! send failed: %v\n", err)
	}
	w.SendTypingIndicator(ctx, false)
	return false
}
