package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conductor/pkg/broker"
)

func newEnqueueCommand() *cobra.Command {
	calls := make([]string, len(broker.Calls))
	for i, c := range broker.Calls {
		calls[i] = string(c)
	}

	return &cobra.Command{
		Use:   "enqueue <call> <subject-id>",
		Short: "Publish a message for workers",
		Long: fmt.Sprintf(`Publish a message to the queue that serves call.

Known calls: %s`, strings.Join(calls, ", ")),
		Example: `  # Fire a trigger
  conductor enqueue fire_trigger trg-42

  # Regenerate a subscription
  conductor enqueue generate_subscription sub-7`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: calls,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			b, err := openBroker(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			msg := broker.NewMessage(broker.Call(args[0]), args[1])
			if err := broker.Enqueue(cmd.Context(), b, msg); err != nil {
				return err
			}
			log.Info().
				Str("call", args[0]).
				Str("subject_id", args[1]).
				Str("queue", msg.Call.Queue()).
				Str("token", msg.Token).
				Msg("Message enqueued")
			return nil
		},
	}
}
