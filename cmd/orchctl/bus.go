package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agent_fleet/internal/domain"
	"agent_fleet/internal/messaging"
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Send and read agent messages",
}

var busSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to an agent mailbox",
	RunE:  runBusSend,
}

var busPollCmd = &cobra.Command{
	Use:   "poll [agent-id]",
	Short: "Drain an agent mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runBusPoll,
}

var busHistoryCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show the message history of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runBusHistory,
}

var (
	busFrom      string
	busTo        string
	busType      string
	busPayload   string
	busRunID     string
	busBroadcast bool
	busExclude   []string
	busTimeout   time.Duration
)

func init() {
	busCmd.AddCommand(busSendCmd, busPollCmd, busHistoryCmd)

	busSendCmd.Flags().StringVar(&busFrom, "from", "operator", "Sender agent id")
	busSendCmd.Flags().StringVar(&busTo, "to", "", "Recipient agent id (required unless --broadcast)")
	busSendCmd.Flags().StringVar(&busType, "type", string(domain.MessageTypeStatusRequest), "Message type")
	busSendCmd.Flags().StringVar(&busPayload, "payload", "{}", "JSON payload")
	busSendCmd.Flags().StringVar(&busRunID, "run", "", "Run id to record the message under")
	busSendCmd.Flags().BoolVar(&busBroadcast, "broadcast", false, "Send to every known mailbox")
	busSendCmd.Flags().StringSliceVar(&busExclude, "exclude", nil, "Mailbox to skip when broadcasting (repeatable)")

	busPollCmd.Flags().DurationVar(&busTimeout, "timeout", 2*time.Second, "How long to wait for messages")
}

func runBusSend(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(busPayload)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if !busBroadcast && strings.TrimSpace(busTo) == "" {
		return fmt.Errorf("--to is required unless --broadcast is set")
	}
	to := busTo
	if busBroadcast {
		to = messaging.BroadcastTarget
	}
	msg, err := messaging.NewMessage(domain.MessageType(busType), busFrom, to, json.RawMessage(busPayload))
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	bus, err := e.bus(cmd.Context())
	if err != nil {
		return err
	}
	defer bus.Close()

	if busBroadcast {
		if err := bus.Broadcast(cmd.Context(), msg, busExclude, busRunID); err != nil {
			return err
		}
	} else if err := bus.Send(cmd.Context(), msg, busRunID); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(msg)
	}
	fmt.Printf("Sent %s %s\n", msg.Type, msg.ID)
	return nil
}

func runBusPoll(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	bus, err := e.bus(cmd.Context())
	if err != nil {
		return err
	}
	defer bus.Close()

	msgs, err := bus.Poll(cmd.Context(), args[0], busTimeout)
	if err != nil {
		return err
	}
	return printMessages(msgs)
}

func runBusHistory(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	bus, err := e.bus(cmd.Context())
	if err != nil {
		return err
	}
	defer bus.Close()

	msgs, err := bus.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printMessages(msgs)
}

func printMessages(msgs []domain.AgentMessage) error {
	if jsonOutput {
		return printJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages")
		return nil
	}
	for _, m := range msgs {
		fmt.Println(messaging.FormatLogLine(m))
	}
	return nil
}
