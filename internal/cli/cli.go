// ============================================================================
// Self-Healing Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command interface for running and operating the engine
//
// Command Structure:
//   workflow-engine                  # Root command
//   ├── run                          # Start engine services
//   │   ├── --services               # Comma list or "all"
//   │   └── --memory-bus             # In-process bus for single-binary runs
//   ├── submit                       # Submit a workflow
//   │   ├── --file, -f               # Workflow spec JSON file
//   │   └── --gateway                # Gateway base URL
//   ├── status                       # Inspect a workflow
//   └── --config, -c                 # Config file path (persistent)
//
// run Command:
//   Wires the store and bus, builds the requested services, runs each on
//   its own goroutine, and shuts everything down on SIGINT/SIGTERM. Any
//   subset of services can run in one process; production deployments run
//   one service per process and share the Redis bus.
//
// Signal Handling:
//   SIGINT/SIGTERM cancel the root context; services drain and exit, and
//   abandoned RUNNING tasks are reclaimed by the next detector sweep.
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/config"
	"github.com/kh-bikash/self-healing-engine/internal/detector"
	"github.com/kh-bikash/self-healing-engine/internal/gateway"
	"github.com/kh-bikash/self-healing-engine/internal/monitor"
	"github.com/kh-bikash/self-healing-engine/internal/notifier"
	"github.com/kh-bikash/self-healing-engine/internal/orchestrator"
	"github.com/kh-bikash/self-healing-engine/internal/retry"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/internal/worker"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

var configFile string

// BuildCLI assembles the root command tree
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workflow-engine",
		Short: "Self-healing workflow execution engine",
		Long: `A self-healing workflow execution engine:
- Durable workflow/task state in a relational store
- Event-driven pipeline over Redis pub/sub
- Automatic retries with exponential backoff
- Stale-task detection and reclamation`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// runnable is any service with a blocking Run loop
type runnable interface {
	Run(ctx context.Context) error
}

func buildRunCommand() *cobra.Command {
	var services string
	var memoryBus bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start engine services",
		Long:  `Start any subset of services: orchestrator, worker, retry, detector, gateway, monitor, notifier, or "all".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServices(services, memoryBus)
		},
	}

	cmd.Flags().StringVar(&services, "services", "all", "comma-separated services to run")
	cmd.Flags().BoolVar(&memoryBus, "memory-bus", false, "use the in-process bus instead of Redis")

	return cmd
}

func runServices(selection string, memoryBus bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var eventBus bus.Bus
	if memoryBus {
		eventBus = bus.NewMemoryBus(logger)
	} else {
		eventBus, err = bus.NewRedisBus(cfg.BusAddr(), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to event bus: %w", err)
		}
	}
	defer func() { _ = eventBus.Close() }()

	selected, err := buildServices(selection, cfg, st, eventBus, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for name, svc := range selected {
		wg.Add(1)
		go func(name string, svc runnable) {
			defer wg.Done()
			if err := svc.Run(ctx); err != nil {
				logger.Error("Service exited with error", "service", name, "error", err)
				cancel()
			}
		}(name, svc)
	}

	logger.Info("Engine started", "services", selection)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal, stopping gracefully")
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	logger.Info("Engine stopped")
	return nil
}

// buildServices constructs the requested service set
func buildServices(selection string, cfg *config.Config, st *store.Store, eventBus bus.Bus, logger *slog.Logger) (map[string]runnable, error) {
	names := strings.Split(selection, ",")
	if selection == "all" {
		names = []string{"orchestrator", "worker", "retry", "detector", "gateway", "monitor", "notifier"}
	}

	services := make(map[string]runnable, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		switch name {
		case "orchestrator":
			services[name] = orchestrator.NewService(st, eventBus, logger.With("service", name))
		case "worker":
			registry := worker.NewRegistry(worker.SimulationHandler(cfg.SimulatedWork()))
			pool := worker.NewPool(worker.Deps{
				Store:       st,
				Bus:         eventBus,
				Registry:    registry,
				TaskTimeout: cfg.TaskTimeout(),
				Logger:      logger.With("service", name),
			}, cfg.Worker.QueueSize)
			services[name] = worker.NewService(eventBus, pool, cfg.Worker.Count, logger.With("service", name))
		case "retry":
			services[name] = retry.NewService(st, eventBus, cfg.BackoffBase(), cfg.BackoffCap(), logger.With("service", name))
		case "detector":
			services[name] = detector.NewService(st, eventBus, cfg.DetectorInterval(), cfg.StaleTimeout(), logger.With("service", name))
		case "gateway":
			services[name] = gateway.NewService(st, eventBus, fmt.Sprintf(":%d", cfg.Gateway.Port), logger.With("service", name))
		case "monitor":
			if !cfg.Metrics.Enabled {
				continue
			}
			services[name] = monitor.NewService(eventBus, monitor.NewCollector(), cfg.Metrics.Port, logger.With("service", name))
		case "notifier":
			services[name] = notifier.NewService(eventBus, logger.With("service", name))
		default:
			return nil, fmt.Errorf("unknown service %q", name)
		}
	}
	return services, nil
}

func buildSubmitCommand() *cobra.Command {
	var specFile string
	var gatewayURL string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow from a JSON file",
		Long:  "Read a workflow spec from a JSON file and submit it through the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile == "" {
				return fmt.Errorf("spec file is required (use --file or -f)")
			}
			return submitWorkflow(specFile, gatewayURL)
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "workflow spec JSON file")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "http://localhost:8000", "gateway base URL")

	return cmd
}

func submitWorkflow(specFile, gatewayURL string) error {
	data, err := os.ReadFile(specFile)
	if err != nil {
		return fmt.Errorf("failed to read spec file: %w", err)
	}

	// Validate locally before going over the wire
	var spec types.WorkflowSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("invalid workflow spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid workflow spec: %w", err)
	}

	resp, err := http.Post(gatewayURL+"/workflows", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to submit workflow: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
	}

	var wf types.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Submitted workflow %s (%s) with %d tasks\n", wf.ID, wf.Name, len(wf.Tasks))
	return nil
}

func buildStatusCommand() *cobra.Command {
	var gatewayURL string

	cmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show workflow and task statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(args[0], gatewayURL)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "http://localhost:8000", "gateway base URL")

	return cmd
}

func showStatus(id, gatewayURL string) error {
	resp, err := http.Get(gatewayURL + "/workflows/" + id)
	if err != nil {
		return fmt.Errorf("failed to query gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("workflow %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
	}

	var wf types.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Workflow %s (%s): %s\n", wf.ID, wf.Name, wf.Status)
	for _, task := range wf.Tasks {
		line := fmt.Sprintf("  %-20s %-10s retries=%d/%d", task.Name, task.Status, task.RetryCount, task.MaxRetries)
		if task.Error != nil {
			line += "  error=" + *task.Error
		}
		fmt.Println(line)
	}
	return nil
}
