package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/value"
)

// defaultFollowPoll is used by channel read --follow when the configuration
// leaves polling off, since the writers are other processes.
const defaultFollowPoll = 500 * time.Millisecond

// AppendResult is the JSON payload of channel append.
type AppendResult struct {
	Domain    string `json:"domain"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	Final     bool   `json:"final"`
}

// MessageView is one message in channel read output.
type MessageView struct {
	Position  int64           `json:"position"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
	Final     bool            `json:"final"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChannelView is one channel in channel ls output.
type ChannelView struct {
	Channel      string `json:"channel"`
	Messages     int64  `json:"messages"`
	LastPosition int64  `json:"last_position"`
	Final        bool   `json:"final"`
}

// NewChannelCommand creates the channel command group.
func NewChannelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Append to and read append-only channels",
	}
	cmd.AddCommand(newChannelAppendCommand(rootOpts))
	cmd.AddCommand(newChannelReadCommand(rootOpts))
	cmd.AddCommand(newChannelListCommand(rootOpts))
	return cmd
}

func newChannelAppendCommand(opts *RootOptions) *cobra.Command {
	var (
		id    string
		final bool
	)
	cmd := &cobra.Command{
		Use:   "append <domain> <channel> <json>",
		Short: "Append a message to a channel",
		Long: `Append a JSON message to a channel.

Re-sending a message id with the same payload is a no-op. The same id with a
different payload is a conflict, and a channel that received its final
message accepts nothing new (exit code 1).

Examples:
  ghcoord channel append pr 1234 '{"state":"queued"}'
  ghcoord channel append pr 1234 '{"state":"done"}' --id done --final`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			payload, err := parseJSONArg(f, args[2])
			if err != nil {
				return err
			}
			msgID := id
			if msgID == "" {
				msgID = opts.IDs.NewID()
			}

			c, err := opts.open(cmd, f, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Append(cmd.Context(), args[0], args[1], msgID, payload, final); err != nil {
				return f.Fail("append", err)
			}
			res := AppendResult{Domain: args[0], Channel: args[1], MessageID: msgID, Final: final}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "appended %s to %s/%s\n", msgID, res.Domain, res.Channel)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (default: a new UUIDv7)")
	cmd.Flags().BoolVar(&final, "final", false, "mark this as the channel's final message")
	return cmd
}

func newChannelReadCommand(opts *RootOptions) *cobra.Command {
	var (
		after  int64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "read <domain> <channel>",
		Short: "Print the messages of a channel",
		Long: `Print a channel's messages in order.

With --follow, print payloads as they arrive (one canonical JSON document per
line) until the final message or an interrupt.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			var adjust func(*config.Config)
			if follow {
				adjust = func(cfg *config.Config) {
					if cfg.Subscribe.PollInterval <= 0 {
						cfg.Subscribe.PollInterval = defaultFollowPoll
					}
				}
			}
			c, err := opts.open(cmd, f, adjust)
			if err != nil {
				return err
			}
			defer c.Close()

			if follow {
				return followChannel(cmd, f, c.SubscribeChannel(cmd.Context(), args[0], args[1]))
			}

			msgs, err := c.Channels().Messages(cmd.Context(), args[0], args[1], after)
			if err != nil {
				return f.Fail("read channel", err)
			}
			views := make([]MessageView, len(msgs))
			for i, m := range msgs {
				views[i] = MessageView{
					Position:  m.Position,
					MessageID: m.MessageID,
					Payload:   rawJSON(m.Payload),
					Final:     m.Final,
					CreatedAt: m.CreatedAt,
				}
			}
			return f.Success(views, func(w io.Writer) {
				for _, v := range views {
					marker := ""
					if v.Final {
						marker = " (final)"
					}
					fmt.Fprintf(w, "%d\t%s\t%s%s\n", v.Position, v.MessageID, v.Payload, marker)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only messages after this position")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing new messages")
	return cmd
}

// followChannel prints payloads from a subscription. An interrupt ends it
// quietly.
func followChannel(cmd *cobra.Command, f *OutputFormatter, messages iter.Seq2[value.Value, error]) error {
	w := cmd.OutOrStdout()
	for payload, err := range messages {
		if err != nil {
			return f.Fail("follow channel", err)
		}
		fmt.Fprintln(w, canonicalText(payload))
	}
	return nil
}

func newChannelListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <domain>",
		Short: "List the channels of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			c, err := opts.open(cmd, f, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.Channels().Channels(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("list channels", err)
			}
			views := make([]ChannelView, len(infos))
			for i, info := range infos {
				views[i] = ChannelView{
					Channel:      info.Channel,
					Messages:     info.Messages,
					LastPosition: info.LastPosition,
					Final:        info.Final,
				}
			}
			return f.Success(views, func(w io.Writer) {
				for _, v := range views {
					state := "open"
					if v.Final {
						state = "closed"
					}
					fmt.Fprintf(w, "%s\t%d messages\tlast %d\t%s\n", v.Channel, v.Messages, v.LastPosition, state)
				}
			})
		},
	}
}

// parseJSONArg parses a command-line JSON value. Invalid JSON is a command
// error.
func parseJSONArg(f *OutputFormatter, arg string) (value.Value, error) {
	v, err := value.Parse([]byte(arg))
	if err != nil {
		if outErr := f.Error(ErrCodeInvalid, err.Error(), nil); outErr != nil {
			return nil, outErr
		}
		return nil, WrapExitError(ExitCommandError, "invalid JSON argument", err)
	}
	return v, nil
}
