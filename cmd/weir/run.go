package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weirhq/weir/pkg/config"
	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/orchestrator"
	"github.com/weirhq/weir/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline from a config file",
	Long: `Run starts the pipeline described by the config file. The built-in
demo generator feeds the first configured endpoint; no other source can be
attached, and further endpoints receive no data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		demoRecords, _ := cmd.Flags().GetInt("demo-records")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if len(cfg.Endpoints) == 0 {
			return fmt.Errorf("config declares no endpoints")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutdown requested")
			cancel()
		}()

		app, err := orchestrator.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		endpoint := cfg.Endpoints[0].Name
		d := dag.New()
		source := types.NewNodeHandle(endpoint + "-gen")
		sink := types.NewNodeHandle(endpoint + "-log")
		if err := d.AddSource(source, &generatorSourceFactory{records: demoRecords}); err != nil {
			return err
		}
		if err := d.AddSink(sink, app.SinkFactory(endpoint)); err != nil {
			return err
		}
		if err := d.Connect(dag.Endpoint{Node: source}, dag.Endpoint{Node: sink}); err != nil {
			return err
		}

		return app.Run(ctx, d)
	},
}

func init() {
	runCmd.Flags().StringP("config", "f", "weir.yaml", "Path to the pipeline config")
	runCmd.Flags().Int("demo-records", 1000, "Records the demo generator emits")
}
