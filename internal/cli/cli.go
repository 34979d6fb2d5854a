// Package cli wires the cobra command tree for the outreach binary.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giada-tronca/cold-outreach-2-sub004/internal/config"
	internal_http "github.com/giada-tronca/cold-outreach-2-sub004/internal/http"
	"github.com/giada-tronca/cold-outreach-2-sub004/internal/log"
	"github.com/giada-tronca/cold-outreach-2-sub004/internal/observability"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/service"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the outreach engine HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServer(); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	classifyCmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Classify an error message against the recovery registry",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			registry := recovery.NewRegistry()
			def := registry.Match(strings.Join(args, " "))
			action := def.SuggestedAction()
			fmt.Fprintf(os.Stdout, "Code:        %s\n", def.Code)
			fmt.Fprintf(os.Stdout, "Category:    %s\n", def.Category)
			fmt.Fprintf(os.Stdout, "Severity:    %s\n", def.Severity)
			fmt.Fprintf(os.Stdout, "Recoverable: %t\n", def.Recoverable)
			fmt.Fprintf(os.Stdout, "Action:      %s (automated: %t)\n", action.Type, action.Automated)
			fmt.Fprintf(os.Stdout, "Message:     %s\n", def.UserFacing)
		},
	}

	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "List the workflow steps in order",
		Run: func(cmd *cobra.Command, args []string) {
			for _, step := range models.WorkflowSteps {
				def, err := service.GetStepDefinition(step)
				if err != nil {
					continue
				}
				attrs := make([]string, 0, 2)
				if def.Skippable {
					attrs = append(attrs, "skippable")
				}
				if len(def.Required) > 0 {
					attrs = append(attrs, "requires: "+strings.Join(def.Required, ", "))
				}
				suffix := ""
				if len(attrs) > 0 {
					suffix = " (" + strings.Join(attrs, "; ") + ")"
				}
				fmt.Fprintf(os.Stdout, "- %s%s\n", step, suffix)
			}
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List workflow sessions on a running server",
		Run: func(cmd *cobra.Command, args []string) {
			addr, _ := cmd.Flags().GetString("addr")
			userID, _ := cmd.Flags().GetString("user")
			listSessions(addr, userID)
		},
	}
	sessionsCmd.Flags().String("addr", "http://localhost:8080", "Base URL of the outreach server")
	sessionsCmd.Flags().String("user", "", "Only list sessions owned by this user")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List batch jobs on a running server",
		Run: func(cmd *cobra.Command, args []string) {
			addr, _ := cmd.Flags().GetString("addr")
			userID, _ := cmd.Flags().GetString("user")
			status, _ := cmd.Flags().GetString("status")
			listJobs(addr, userID, status)
		},
	}
	jobsCmd.Flags().String("addr", "http://localhost:8080", "Base URL of the outreach server")
	jobsCmd.Flags().String("user", "", "Only list jobs owned by this user")
	jobsCmd.Flags().String("status", "", "Only list jobs with this status")

	rootCmd.AddCommand(serveCmd, classifyCmd, stepsCmd, sessionsCmd, jobsCmd)
}

func fetchData(url string, dst interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, env.Error.Message)
	}
	return json.Unmarshal(env.Data, dst)
}

func listSessions(addr, userID string) {
	url := addr + "/sessions"
	if userID != "" {
		url += "?user_id=" + neturl.QueryEscape(userID)
	}
	var sessions []models.WorkflowSession
	if err := fetchData(url, &sessions); err != nil {
		log.GetLogger().Errorf("Failed to list sessions: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Fprintf(os.Stdout, "No sessions found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Sessions:\n")
	for _, sess := range sessions {
		fmt.Fprintf(os.Stdout, "- ID: %s, User: %s, Step: %s, Status: %s, Created: %s\n",
			sess.ID, sess.UserID, sess.CurrentStep, sess.Status, sess.CreatedAt.Format(time.RFC3339))
	}
}

func listJobs(addr, userID, status string) {
	query := neturl.Values{}
	if userID != "" {
		query.Set("user_id", userID)
	}
	if status != "" {
		query.Set("status", status)
	}
	url := addr + "/jobs"
	if encoded := query.Encode(); encoded != "" {
		url += "?" + encoded
	}
	var listing struct {
		Jobs []models.BatchJob `json:"jobs"`
		Page models.PageMeta   `json:"page"`
	}
	if err := fetchData(url, &listing); err != nil {
		log.GetLogger().Errorf("Failed to list jobs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list jobs: %v\n", err)
		os.Exit(1)
	}
	if len(listing.Jobs) == 0 {
		fmt.Fprintf(os.Stdout, "No jobs found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Jobs (%d total):\n", listing.Page.TotalItems)
	for _, job := range listing.Jobs {
		fmt.Fprintf(os.Stdout, "- ID: %s, Kind: %s, Status: %s, Processed: %d/%d, Created: %s\n",
			job.ID, job.Kind, job.Status, job.Processed, job.Total, job.CreatedAt.Format(time.RFC3339))
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.GetLogger()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := notify.NewHub(notify.WithHeartbeat(cfg.HeartbeatInterval))
	defer hub.Stop()

	rec := recovery.NewHandler(recovery.NewRegistry(), logger)
	metrics := observability.NewMetrics(nil)

	workflows := service.NewWorkflowService(store, hub, rec, logger)
	batches := service.NewBatchService(hub, rec, logger,
		service.WithJobDefaults(models.JobConfig{
			ChunkSize:      cfg.ChunkSize,
			MaxConcurrency: cfg.MaxConcurrency,
			RetryAttempts:  cfg.RetryAttempts,
			RetryDelay:     cfg.RetryDelay,
		}),
		service.WithItemTimeout(cfg.ItemTimeout),
		service.WithRetention(cfg.JobRetention),
		service.WithMetrics(metrics),
	)
	defer batches.Stop()

	runner := service.NewCampaignRunner(
		workflows,
		batches,
		service.NewMemoryContactStore(),
		service.NewStubEnricher(),
		service.NewStubEmailGenerator(),
		logger,
	)

	srv := internal_http.New(fmt.Sprintf(":%d", cfg.HTTPPort), internal_http.Deps{
		Workflows:      workflows,
		Batches:        batches,
		Runner:         runner,
		Hub:            hub,
		Recovery:       rec,
		Logger:         logger,
		MetricsHandler: observability.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func buildStore(cfg *config.Config) (storage.SessionStore, error) {
	if cfg.RedisAddr == "" {
		return storage.NewMemoryStore(), nil
	}
	log.GetLogger().Infof("Using redis session store at %s", cfg.RedisAddr)
	return storage.NewRedisStore(storage.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
