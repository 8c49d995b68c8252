// Command reconcile finds orphaned provider-side resources and deletes them
// after explicit operator confirmation. Run it with -tool agentmail or
// -tool openrouter; without -yes it prints the plan and prompts.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/providers/agentmail"
	"github.com/convos-project/instance-orchestrator/internal/providers/openrouter"
	"github.com/convos-project/instance-orchestrator/internal/providers/railway"
	"github.com/convos-project/instance-orchestrator/internal/reconciler"
	"github.com/convos-project/instance-orchestrator/internal/registry"
	"github.com/convos-project/instance-orchestrator/internal/store"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	toolID := flag.String("tool", "", "tool kind to reconcile (agentmail or openrouter)")
	assumeYes := flag.Bool("yes", false, "skip the confirmation prompt")
	dryRun := flag.Bool("dry-run", false, "print the plan and exit without deleting")
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	db, err := store.InitDB(cfg)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	dataStore := store.NewStore(db)
	defer dataStore.Close()

	clients := map[string]reconciler.ResourceClient{}
	if cfg.AgentMail.APIKey != "" {
		clients[registry.ToolAgentMail] = agentmail.New(cfg.AgentMail)
	}
	if cfg.OpenRouter.ProvisioningKey != "" {
		clients[registry.ToolOpenRouter] = openrouter.New(cfg.OpenRouter)
	}

	var compute reconciler.ServiceLister
	if cfg.Railway.Token != "" {
		compute = railway.New(cfg.Railway)
	}

	r := reconciler.New(dataStore, compute, clients,
		cfg.Reconciler.RequestsPerSec, cfg.Reconciler.KeepResources, logger)

	ctx := context.Background()

	if *toolID == "" {
		fmt.Fprintln(os.Stderr, "usage: reconcile -tool <agentmail|openrouter> [-dry-run] [-yes]")
		os.Exit(2)
	}

	plan, err := r.BuildPlan(ctx, *toolID)
	if err != nil {
		logger.Fatal("failed to build plan", zap.Error(err))
	}

	if len(plan.Orphans) == 0 {
		fmt.Printf("no orphaned %s resources found\n", plan.ToolID)
		return
	}

	fmt.Printf("found %d orphaned %s resources:\n", len(plan.Orphans), plan.ToolID)
	for _, orphan := range plan.Orphans {
		fmt.Printf("  %s  (%s, instance %q)\n", orphan.ID, orphan.Name, orphan.InstanceID)
	}

	if *dryRun {
		return
	}
	if !*assumeYes && !confirm() {
		fmt.Println("aborted")
		return
	}

	reports, err := r.Execute(ctx, plan)
	if err != nil {
		logger.Fatal("reconcile run failed", zap.Error(err))
	}

	deleted := 0
	for _, report := range reports {
		if report.Deleted {
			deleted++
			continue
		}
		fmt.Printf("FAILED %s: %v\n", report.Resource.ID, report.Err)
	}
	fmt.Printf("deleted %d/%d orphaned %s resources\n", deleted, len(reports), plan.ToolID)
}

func confirm() bool {
	fmt.Print("delete these resources? type 'yes' to confirm: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}
