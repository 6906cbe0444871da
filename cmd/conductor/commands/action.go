package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Create and inspect actions",
		Long: `Create and inspect actions.

An action asks an engine to run one operation against a datastore or a
workflow. Its progress moves from 0 to 1; a failed action carries an error
with a code and never changes again.`,
	}

	cmd.AddCommand(newActionCreateCommand())
	cmd.AddCommand(newActionGetCommand())
	cmd.AddCommand(newActionListCommand())

	return cmd
}

func newActionCreateCommand() *cobra.Command {
	var (
		engineName string
		targetKind string
		rawArgs    []string
		enqueue    bool
	)

	cmd := &cobra.Command{
		Use:   "create <operation> <target-id>",
		Short: "Create an action",
		Example: `  # Start the EMR cluster behind a datastore and queue it for dispatch
  conductor action create start_datastore ds-123 --engine emr --enqueue

  # Create a DynamoDB table for a dataset
  conductor action create create_table ds-123 --engine dynamodb --arg dataset_id=set-9`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionArgs, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			action := &engine.Action{
				Name:       engine.OperationKind(args[0]),
				EngineName: engineName,
				TargetKind: engine.TargetKind(targetKind),
				TargetID:   args[1],
				Args:       actionArgs,
			}
			if err := store.CreateAction(cmd.Context(), action); err != nil {
				return err
			}
			log.Info().Str("action_id", action.ID).Str("engine", engineName).Str("operation", args[0]).Msg("Action created")

			if enqueue {
				b, err := openBroker(cfg)
				if err != nil {
					return err
				}
				defer b.Close()
				if err := broker.Enqueue(cmd.Context(), b, broker.NewMessage(broker.CallDispatchAction, action.ID)); err != nil {
					return fmt.Errorf("action %s created but not enqueued: %w", action.ID, err)
				}
				log.Info().Str("action_id", action.ID).Msg("Action enqueued")
			}
			return printActions([]*engine.Action{action})
		},
	}

	cmd.Flags().StringVarP(&engineName, "engine", "e", "", "engine name")
	cmd.Flags().StringVar(&targetKind, "target-kind", string(engine.TargetDatastore), "target kind (datastore or workflow)")
	cmd.Flags().StringArrayVarP(&rawArgs, "arg", "a", nil, "operation argument key=value (repeatable)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish a dispatch message after creating")
	_ = cmd.MarkFlagRequired("engine")

	return cmd
}

func newActionGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			action, err := store.GetAction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printActions([]*engine.Action{action})
		},
	}
}

func newActionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <target-id>",
		Short: "List the actions of a datastore or workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			actions, err := store.ListActionsByTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printActions(actions)
		},
	}
}

// parseArgs turns key=value pairs into action args. Values that parse as
// JSON scalars keep their type; everything else is a string.
func parseArgs(pairs []string) (engine.Args, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(engine.Args, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, engine.NewValidationError(fmt.Sprintf("argument %q is not key=value", pair), nil)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			switch v.(type) {
			case float64, bool:
				out[key] = v
				continue
			}
		}
		out[key] = value
	}
	return out, nil
}

func actionStatus(a *engine.Action) string {
	switch {
	case a.Failed():
		return "failed"
	case a.Succeeded():
		return "succeeded"
	case a.Progress > 0:
		return "running"
	default:
		return "queued"
	}
}

func printActions(actions []*engine.Action) error {
	if jsonOutput {
		return printJSON(os.Stdout, actions)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENGINE\tOPERATION\tTARGET\tSTATUS\tPROGRESS\tERROR")
	for _, a := range actions {
		code := ""
		if a.Error != nil {
			code = a.Error.Code()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			a.ID, a.EngineName, a.Name, a.TargetKind, a.TargetID,
			actionStatus(a), strconv.FormatFloat(a.Progress, 'f', 2, 64), code)
	}
	return w.Flush()
}
