package cli

import (
	"github.com/spf13/cobra"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/publish"
)

var natsQueue string

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Apply events published on NATS to the target database",
	Long: `Subscribe to the events another changeflow publishes with '--output nats'
and apply them to the target database.

Instances started with the same '--queue' share the stream between them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := parseConfig()
		if err != nil {
			return err
		}
		if natsQueue != "" {
			config.NATSQueue = natsQueue
		}
		config.Output = changeflow.OutputApply

		logger, err := newLogger(config.LogLevel)
		if err != nil {
			return err
		}

		out, err := initSink(config, logger)
		if err != nil {
			return err
		}
		defer out.Close()

		consumer := publish.NewConsumer(config.NATSURL, config.NATSSubjectPrefix, config.NATSQueue, logger)
		return run(consumer, out, config, logger)
	},
}

func init() {
	consumeCmd.Flags().StringVarP(&natsQueue, "queue", "q", "", "NATS queue group")
}
