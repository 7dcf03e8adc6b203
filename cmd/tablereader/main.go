// Command tablereader runs one backfill worker: a single-owner
// state machine that scans a source table in PK order, brackets each
// page with replication-slot watermarks, and pushes surviving rows to
// a Slot Message Store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"github.com/felixge/fgprof"
	"github.com/google/gops/agent"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/streamforge/tablereader/internal/config"
	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/dbadapter"
	"github.com/streamforge/tablereader/internal/logutil"
	"github.com/streamforge/tablereader/internal/machine"
	"github.com/streamforge/tablereader/internal/pkset"
)

var (
	configPath      string
	diagnosticsAddr string
	metricsAddr     string
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(logutil.Infof)); err != nil {
		logutil.Warnf("automaxprocs: %v", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		logutil.Warnf("automemlimit: %v", err)
	}

	root := &cobra.Command{
		Use:   "tablereader",
		Short: "Run a table-reader backfill worker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&diagnosticsAddr, "diagnostics-addr", "", "address to expose pprof/fgprof/gops diagnostics on (empty disables)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus metrics on")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		logutil.Errorf("tablereader: %v", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backfill worker until it reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg, err = mergeConfig(loaded, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Preflight(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

// mergeConfig lets explicit flags win over the loaded file: the
// TOML-loaded value is the base, and every config flag the user set on
// the command line is applied on top of it.
func mergeConfig(loaded config.Config, flags *pflag.FlagSet) (config.Config, error) {
	merged := loaded
	fs := pflag.NewFlagSet("merge", pflag.ContinueOnError)
	merged.Bind(fs)
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err == nil && fs.Lookup(f.Name) != nil {
			err = fs.Set(f.Name, f.Value.String())
		}
	})
	return merged, err
}

func runWorker(ctx context.Context, cfg config.Config) error {
	if diagnosticsAddr != "" {
		startDiagnostics(diagnosticsAddr)
	}
	go serveMetrics(metricsAddr)

	schema := dbadapter.Schema{
		Table:      cfg.TableOID,
		PKColumns:  []string{"id"},
		AllColumns: []string{"id"},
	}
	db, err := dbadapter.Open(cfg.SourceDSN, schema)
	if err != nil {
		return fmt.Errorf("opening source database: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	identity := machine.Identity{
		BackfillID: cfg.BackfillID,
		ConsumerID: pkset.ConsumerID(cfg.BackfillID),
		TableOID:   cfg.TableOID,
		SlotName:   cfg.SlotName,
	}

	// SMS and BackfillRegistry are owned by the surrounding deployment
	// (Slot Message Store, backfill/consumer registry); this binary
	// only constructs the Source Database Adapter it is responsible
	// for. A real deployment supplies concrete ports.SMS and
	// ports.BackfillRegistry implementations here.
	owner, err := machine.New(ctx, identity, cfg, machine.Deps{SourceDB: db}, cursor.New(int64(0)))
	if err != nil {
		return fmt.Errorf("constructing owner: %w", err)
	}

	result := owner.Run(ctx)
	logutil.Infof("table reader %s stopped: reason=%s err=%v", cfg.BackfillID, result.StopReason, result.Err)
	if result.Err != nil {
		return result.Err
	}
	return nil
}

func startDiagnostics(addr string) {
	if err := agent.Listen(agent.Options{}); err != nil {
		logutil.Warnf("gops agent: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logutil.Warnf("diagnostics server: %v", err)
		}
	}()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logutil.Warnf("metrics server: %v", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a human-readable summary of backfill configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printStatus(loaded)
			return nil
		},
	}
}

func printStatus(cfg config.Config) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Setting", "Value"})
	table.Append([]string{"backfill_id", cfg.BackfillID})
	table.Append([]string{"table_oid", cfg.TableOID})
	table.Append([]string{"max_pending_messages", humanize.Comma(int64(cfg.MaxPendingMessages))})
	table.Append([]string{"initial_page_size", humanize.Comma(int64(cfg.InitialPageSize))})
	table.Append([]string{"max_page_size", humanize.Comma(int64(cfg.MaxPageSize))})
	table.Append([]string{"max_batches_in_memory", fmt.Sprintf("%d", cfg.MaxBatchesInMemory)})
	table.Append([]string{"check_state_interval", cfg.CheckStateInterval().String()})
	table.Append([]string{"check_sms_interval", cfg.CheckSMSInterval().String()})
	table.Append([]string{"max_backoff", cfg.MaxBackoff().String()})
	table.Append([]string{"max_backoff_time", cfg.MaxBackoffTime().String()})
	table.Render()
}
