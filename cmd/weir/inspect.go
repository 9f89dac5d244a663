package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/weirhq/weir/pkg/client"
	"github.com/weirhq/weir/pkg/config"
	"github.com/weirhq/weir/pkg/orchestrator"
	"github.com/weirhq/weir/pkg/reader"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// storageFromConfig opens the object-storage backend the config points at
func storageFromConfig(ctx context.Context, path string) (storage.Storage, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return orchestrator.BuildStorage(ctx, cfg)
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List the endpoints of a running application",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		cfgPath, _ := cmd.Flags().GetString("config")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := storageFromConfig(ctx, cfgPath)
		if err != nil {
			return err
		}
		c, err := client.New(addr, st)
		if err != nil {
			return err
		}
		defer c.Close()

		desc, err := c.Describe(ctx)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(desc.Endpoints))
		for name := range desc.Endpoints {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("storage: %s\n", desc.Storage)
		for _, name := range names {
			info := desc.Endpoints[name]
			fmt.Printf("%-20s position=%-10d fields=%-3d cache=%s\n",
				name, info.NextPosition, len(info.Schema.Fields), info.CacheName)
		}
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream an endpoint's log to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		cfgPath, _ := cmd.Flags().GetString("config")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		start, _ := cmd.Flags().GetUint64("start")
		count, _ := cmd.Flags().GetInt("count")

		ctx := context.Background()
		st, err := storageFromConfig(ctx, cfgPath)
		if err != nil {
			return err
		}
		c, err := client.New(addr, st)
		if err != nil {
			return err
		}
		defer c.Close()

		r, err := c.NewReader(ctx, reader.Options{Endpoint: endpoint, Start: start})
		if err != nil {
			return err
		}
		defer r.Close()

		for i := 0; count <= 0 || i < count; i++ {
			msg, err := r.ReadOne(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%8d  %s\n", msg.Pos, logLine(msg.Op))
		}
		return nil
	},
}

func logLine(op types.LogOperation) string {
	switch op.Kind {
	case types.LogOp:
		return fmt.Sprintf("%s %s", op.Op.Kind, opSummary(op.Op))
	case types.LogCommit:
		return fmt.Sprintf("commit epoch=%d", op.Epoch.ID)
	default:
		return fmt.Sprintf("%s connection=%s", op.Kind, op.Connection)
	}
}

func opSummary(op *types.Operation) string {
	switch {
	case op.New != nil:
		return recordSummary(*op.New)
	case op.Old != nil:
		return recordSummary(*op.Old)
	case len(op.Batch) > 0:
		return fmt.Sprintf("batch of %d", len(op.Batch))
	}
	return ""
}

func recordSummary(rec types.Record) string {
	parts := make([]string, len(rec.Values))
	for i, f := range rec.Values {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List the record-store slices in object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := storageFromConfig(ctx, cfgPath)
		if err != nil {
			return err
		}
		infos, err := st.ListObjects(ctx, "record_store/")
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no checkpoints")
			return nil
		}
		var total int64
		for _, info := range infos {
			fmt.Printf("%-40s %10s  %s\n", info.Key,
				humanize.Bytes(uint64(info.Size)),
				info.LastModified.Format(time.RFC3339))
			total += info.Size
		}
		fmt.Printf("%d slices, %s total\n", len(infos), humanize.Bytes(uint64(total)))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{endpointsCmd, tailCmd, checkpointsCmd} {
		cmd.Flags().StringP("config", "f", "weir.yaml", "Path to the pipeline config")
	}
	endpointsCmd.Flags().String("addr", "localhost:50051", "Replication API address")
	tailCmd.Flags().String("addr", "localhost:50051", "Replication API address")
	tailCmd.Flags().String("endpoint", "", "Endpoint to read")
	tailCmd.Flags().Uint64("start", 0, "Start position")
	tailCmd.Flags().Int("count", 0, "Stop after this many entries (0 = forever)")
	tailCmd.MarkFlagRequired("endpoint")
}
