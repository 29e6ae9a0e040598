package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"mq-bridge/config"
	"mq-bridge/queue"
	"mq-bridge/storage"

	"github.com/spf13/cobra"
)

// newLocalCmd manages the sqlite-backed queues used by the sqlite transport.
func newLocalCmd() *cobra.Command {
	var dataDir, queueManager string

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Inspect and feed local sqlite queues",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", config.DefaultSettings().DataDir, "directory holding queue manager databases")
	cmd.PersistentFlags().StringVar(&queueManager, "qm", "", "queue manager name")
	_ = cmd.MarkPersistentFlagRequired("qm")

	withStore := func(fn func(cmd *cobra.Command, store *storage.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			tr := storage.NewTransport(dataDir, slog.New(slog.NewTextHandler(io.Discard, nil)))
			defer tr.Close()
			store, err := tr.Store(queueManager)
			if err != nil {
				return err
			}
			return fn(cmd, store, args)
		}
	}

	var maxDepth, maxLength int
	define := &cobra.Command{
		Use:   "define QUEUE",
		Short: "Create or update a queue",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			if err := store.DefineQueue(cmd.Context(), args[0], maxDepth, maxLength); err != nil {
				return err
			}
			q, err := store.GetQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "defined %s (max depth %d, max message length %d)\n", q.Name, q.MaxDepth, q.MaxMessageLength)
			return nil
		}),
	}
	define.Flags().IntVar(&maxDepth, "max-depth", storage.DefaultMaxDepth, "maximum number of messages")
	define.Flags().IntVar(&maxLength, "max-length", storage.DefaultMaxMessageLength, "maximum message length in bytes")

	var correlationID string
	var properties map[string]string
	put := &cobra.Command{
		Use:   "put QUEUE PAYLOAD",
		Short: "Put one message on a queue",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			msg := &queue.Message{Payload: []byte(args[1]), Properties: properties}
			if correlationID != "" {
				msg.CorrelationID = []byte(correlationID)
			}
			id, err := store.Put(cmd.Context(), args[0], msg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(id))
			return nil
		}),
	}
	put.Flags().StringVar(&correlationID, "correlation-id", "", "correlation identifier")
	put.Flags().StringToStringVar(&properties, "property", nil, "message property as key=value")

	depth := &cobra.Command{
		Use:   "depth [QUEUE]",
		Short: "Show queue depth; all queues when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			if len(args) == 1 {
				n, err := store.Depth(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			queues, err := store.GetAllQueues(cmd.Context())
			if err != nil {
				return err
			}
			for _, q := range queues {
				n, err := store.Depth(cmd.Context(), q.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", q.Name, n)
			}
			return nil
		}),
	}

	var limit int
	drain := &cobra.Command{
		Use:   "drain QUEUE",
		Short: "Remove and print messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *storage.Store, args []string) error {
			msgs, err := store.Drain(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				line := []string{hex.EncodeToString(m.ID)}
				if len(m.CorrelationID) > 0 {
					line = append(line, "correlation="+string(m.CorrelationID))
				}
				line = append(line, string(m.Payload))
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(line, "\t"))
			}
			return nil
		}),
	}
	drain.Flags().IntVar(&limit, "limit", 0, "maximum number of messages, 0 for all")

	cmd.AddCommand(define, put, depth, drain)
	return cmd
}
