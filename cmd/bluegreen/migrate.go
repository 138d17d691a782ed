package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/indexops/bluegreen/pkg/checkpoint"
	"github.com/indexops/bluegreen/pkg/events"
	"github.com/indexops/bluegreen/pkg/gateway"
	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/orchestrator"
	"github.com/indexops/bluegreen/pkg/types"
	"github.com/indexops/bluegreen/pkg/wal"
)

// MigrationResource is the manifest wrapper for a migration spec
type MigrationResource struct {
	APIVersion string              `yaml:"apiVersion"`
	Kind       string              `yaml:"kind"`
	Metadata   ResourceMetadata    `yaml:"metadata"`
	Spec       types.MigrationSpec `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration manifest",
	Long: `Run a migration described by a YAML manifest.

Examples:
  # Rehearse a manifest against an in-memory backend
  bluegreen migrate -f migration.yaml --dry-run --seed-docs 950

  # Rehearse with metrics and a Kafka audit stream
  bluegreen migrate -f migration.yaml --dry-run \
    --metrics-addr :9090 --kafka-brokers broker-1:9092 --kafka-topic bluegreen-audit`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringP("file", "f", "", "Migration manifest (required)")
	migrateCmd.Flags().Bool("dry-run", false, "Walk all phases against an in-memory backend")
	migrateCmd.Flags().Int("seed-docs", 1000, "Documents seeded into the in-memory source (dry-run)")
	migrateCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics and health on this address")
	migrateCmd.Flags().StringSlice("kafka-brokers", nil, "Kafka brokers for the audit event stream")
	migrateCmd.Flags().String("kafka-topic", "bluegreen-audit", "Kafka topic for audit events")
	_ = migrateCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	seedDocs, _ := cmd.Flags().GetInt("seed-docs")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	kafkaBrokers, _ := cmd.Flags().GetStringSlice("kafka-brokers")
	kafkaTopic, _ := cmd.Flags().GetString("kafka-topic")

	if !dryRun {
		return fmt.Errorf("live migrations run inside the serving platform, which wires its own storage gateway; use --dry-run to rehearse the manifest")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %v", err)
	}
	var resource MigrationResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse manifest: %v", err)
	}
	if resource.Kind != "Migration" {
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}

	spec := resource.Spec

	// Rehearsal backend: seed the source and bind the alias the way the
	// live cluster would look.
	gw := gateway.NewInMemory()
	if err := gw.CreateIndex(cmd.Context(), spec.SourceIndex, map[string]interface{}{}); err != nil {
		return err
	}
	gw.SeedDocuments(spec.SourceIndex, seedDocs)
	gw.BindAlias(spec.Alias, spec.SourceIndex)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %v", err)
	}
	cps, err := checkpoint.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer cps.Close()
	wlog, err := wal.NewBoltLog(dataDir)
	if err != nil {
		return err
	}
	defer wlog.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if len(kafkaBrokers) > 0 {
		sink := events.NewKafkaSink(broker, kafkaBrokers, kafkaTopic)
		sink.Start()
		defer func() { _ = sink.Stop() }()
		log.Info("Audit events mirrored to Kafka topic " + kafkaTopic)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("Metrics server stopped", err)
			}
		}()
	}

	orch := orchestrator.New(gw, cps, wlog, broker, orchestrator.Config{})
	defer orch.Stop()

	metrics.RegisterComponent("checkpoint-store", true, "")
	metrics.RegisterComponent("gateway", true, "in-memory")
	metrics.RegisterComponent("orchestrator", true, "")
	metrics.SetVersion(Version)

	fmt.Printf("Rehearsing migration %q\n", resource.Metadata.Name)
	fmt.Printf("  Source: %s\n", spec.SourceIndex)
	fmt.Printf("  Target: %s\n", spec.TargetIndex)
	fmt.Printf("  Alias:  %s\n", spec.Alias)
	fmt.Println()

	jobID, err := orch.Start(&spec)
	if err != nil {
		return err
	}

	// Poll until the job lands in a terminal phase.
	for {
		job, err := orch.Status(jobID)
		if err != nil {
			return err
		}
		if job.Phase.Terminal() {
			printOutcome(job)
			if job.Phase != types.PhaseCompleted {
				return fmt.Errorf("migration ended in %s", job.Phase)
			}
			return nil
		}
		fmt.Printf("  %-28s %3.0f%%\r", job.Phase, job.Progress()*100)
		time.Sleep(200 * time.Millisecond)
	}
}

func printOutcome(job *types.MigrationJob) {
	fmt.Printf("\nJob %s finished in phase %s\n", job.ID, job.Phase)
	fmt.Printf("  Documents copied: %d/%d\n", job.DocsCopied, job.DocsTotal)
	if job.LastError != "" {
		fmt.Printf("  Last error: %s\n", job.LastError)
	}
	if job.PriorAlias != "" {
		fmt.Printf("  Prior alias target: %s\n", job.PriorAlias)
	}
	var phases []string
	for p := range job.PhaseTimes {
		phases = append(phases, string(p))
	}
	fmt.Printf("  Phases visited: %s\n", strings.Join(phases, ", "))
}
