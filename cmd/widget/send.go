package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	widget "github.com/supportline/widget-go"
)

var (
	sendWait time.Duration
	sendJSON bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait this long for a reply from support")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "print the stored message as JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a single message to support",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession("")
		if err != nil {
			return err
		}
		defer s.close()
		w := s.widget

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+sendWait)
		defer cancel()

		replies := make(chan widget.Message, 1)
		if sendWait > 0 {
			defer w.OnMessage(func(e widget.MessageEvent) {
				if e.Type == widget.MessageAdded && e.Message.SenderType != widget.SenderVisitor {
					select {
					case replies <- e.Message:
					default:
					}
				}
			})()
			if err := w.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
		}

		msg, err := w.SendMessage(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		s.rememberConversation()

		if sendJSON {
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("Sent %s to conversation %s\n", msg.ID, msg.ConversationID)
		}

		if sendWait <= 0 {
			return nil
		}
		select {
		case m := <-replies:
			printMessage(m)
		case <-time.After(sendWait):
			fmt.Println("No reply yet.")
		}
		return nil
	},
}
