package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hardctl/hardctl/internal/runner"
	"github.com/hardctl/hardctl/pkg/backup"
	"github.com/hardctl/hardctl/pkg/config"
	"github.com/hardctl/hardctl/pkg/logging"
	"github.com/hardctl/hardctl/pkg/safeapply"
	"github.com/hardctl/hardctl/pkg/store"
	"github.com/hardctl/hardctl/pkg/tx"
	"github.com/hardctl/hardctl/pkg/watchdog"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hardctl",
	Short: "Safe-mutation engine for remotely-administered hosts",
	Long: `hardctl applies changes to critical host configuration behind a
backup, a rollback ledger and a connectivity watchdog, so a mutation that
severs your own access path is reverted within a bounded window even if
the applying process dies mid-operation.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/hardctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig wires the config file path and matching environment variables
func initConfig() {
	if cfgFile == "" {
		cfgFile = "/etc/hardctl/config.yaml"
	}

	viper.SetEnvPrefix("HARDCTL")
	viper.AutomaticEnv()
	viper.BindEnv("config")

	if env := viper.GetString("config"); env != "" && !rootCmd.PersistentFlags().Changed("config") {
		cfgFile = env
	}
}

// engine bundles everything a command needs against one open store
type engine struct {
	cfg     config.Config
	log     *logging.Logger
	db      store.Store
	backups *backup.Store
	snapper *backup.Snapshotter
	txm     *tx.Manager
	wd      *watchdog.Manager
	orch    *safeapply.Orchestrator
	run     runner.Runner
}

// newEngine opens the store and builds the component graph. Callers must
// defer e.close().
func newEngine() (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	var log *logging.Logger
	if cfg.LogDir != "" {
		log, err = logging.NewFileLogger("hardctl", level, true)
		if err != nil {
			log = logging.NewLogger(level, false)
		}
	} else {
		log = logging.NewLogger(level, false)
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	backups, err := backup.New(cfg.BackupDir, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	run := runner.Exec{}
	snapper := backup.NewSnapshotter(backups, db, run, cfg.SnapshotPaths, log)
	txm := tx.NewManager(db, backups, run, log)
	wd := watchdog.NewManager(db, backups, run, log)
	wd.Detach = cfg.DetachedWatchdog
	orch := safeapply.New(txm, backups, wd, run, log)

	return &engine{
		cfg: cfg, log: log, db: db, backups: backups,
		snapper: snapper, txm: txm, wd: wd, orch: orch, run: run,
	}, nil
}

func (e *engine) close() {
	if err := e.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
	}
	e.log.Close()
}
