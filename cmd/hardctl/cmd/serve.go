package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/hardctl/hardctl/internal/sysinfo"
	"github.com/hardctl/hardctl/pkg/cleanup"
	"github.com/hardctl/hardctl/pkg/metrics"
	"github.com/hardctl/hardctl/pkg/shutdown"
	"github.com/hardctl/hardctl/pkg/store"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only inspection API",
	Long: `Serve a read-only HTTP API over the engine's state (backups,
snapshots, history, watchdogs) plus Prometheus metrics, and run the
retention sweep in the background. The API mutates nothing; all mutations
go through the CLI's guarded paths.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	addr := serveAddr
	if addr == "" {
		addr = e.cfg.ServeAddr
	}

	sweeper := cleanup.NewManager(cleanup.Config{
		Enabled:        true,
		RetentionDays:  e.cfg.RetentionDays,
		SweepInterval:  24 * time.Hour,
		VacuumInterval: 7 * 24 * time.Hour,
		InitialDelay:   time.Minute,
	}, e.backups, e.snapper, e.db, e.log)
	sweeper.Start()

	api := &apiServer{db: e.db, sweeper: sweeper}

	r := mux.NewRouter()
	r.HandleFunc("/health", api.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/backups", api.handleBackups).Methods("GET")
	v1.HandleFunc("/backups/{id}", api.handleBackup).Methods("GET")
	v1.HandleFunc("/snapshots", api.handleSnapshots).Methods("GET")
	v1.HandleFunc("/history", api.handleHistory).Methods("GET")
	v1.HandleFunc("/watchdogs", api.handleWatchdogs).Methods("GET")
	v1.HandleFunc("/facts", api.handleFacts).Methods("GET")
	v1.HandleFunc("/sweep/stats", api.handleSweepStats).Methods("GET")

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	sd := shutdown.New(30*time.Second, e.log)
	sd.Register("retention sweep", func(context.Context) error {
		sweeper.Stop()
		return nil
	})
	sd.Register("http server", server.Shutdown)

	go func() {
		e.log.Info("Serving inspection API", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Fatal("HTTP server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sd.Wait()
	return nil
}

// apiServer exposes read-only views over the store
type apiServer struct {
	db      store.Store
	sweeper *cleanup.Manager
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *apiServer) handleBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.db.ListBackups())
}

func (s *apiServer) handleBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.db.GetBackup(mux.Vars(r)["id"])
	if err == store.ErrBackupNotFound {
		http.Error(w, "backup not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, b)
}

func (s *apiServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.db.ListSnapshots())
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.History(200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *apiServer) handleWatchdogs(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") == ""
	writeJSON(w, s.db.ListWatchdogs(unresolvedOnly))
}

func (s *apiServer) handleFacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, sysinfo.Collect())
}

func (s *apiServer) handleSweepStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sweeper.GetStats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
