package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/convos-project/instance-orchestrator/internal/api_server"
	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/handlers"
	"github.com/convos-project/instance-orchestrator/internal/healthcheck"
	"github.com/convos-project/instance-orchestrator/internal/providers/agentmail"
	"github.com/convos-project/instance-orchestrator/internal/providers/openrouter"
	"github.com/convos-project/instance-orchestrator/internal/providers/railway"
	"github.com/convos-project/instance-orchestrator/internal/providers/twilio"
	"github.com/convos-project/instance-orchestrator/internal/registry"
	"github.com/convos-project/instance-orchestrator/internal/service"
	"github.com/convos-project/instance-orchestrator/internal/store"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Railway.Token == "" {
		logger.Fatal("RAILWAY_TOKEN is required")
	}

	db, err := store.InitDB(cfg)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}

	dataStore := store.NewStore(db)
	defer dataStore.Close()

	compute := railway.New(cfg.Railway)
	tools := toolClients(cfg, logger)
	prober := healthcheck.NewProber(0)

	orchestrator := service.NewOrchestrator(dataStore, compute, tools, prober,
		logger, cfg.Service.RuntimeImage, cfg.Service.StuckTimeout)
	handler := handlers.NewHandler(orchestrator)

	listener, err := net.Listen("tcp", cfg.Service.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	srv := apiserver.New(cfg, listener, handler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("server starting", zap.String("addr", listener.Addr().String()))
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// toolClients builds one client per tool whose provider credential is
// configured. Missing credentials are not an error: the tool is simply
// unavailable.
func toolClients(cfg *config.Config, logger *zap.Logger) map[string]service.ToolClient {
	tools := map[string]service.ToolClient{}
	if cfg.OpenRouter.ProvisioningKey != "" {
		tools[registry.ToolOpenRouter] = openrouter.New(cfg.OpenRouter)
	}
	if cfg.AgentMail.APIKey != "" {
		tools[registry.ToolAgentMail] = agentmail.New(cfg.AgentMail)
	}
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		tools[registry.ToolTwilio] = twilio.New(cfg.Twilio)
	}
	for _, tool := range registry.List() {
		if _, ok := tools[tool.ID]; !ok {
			logger.Warn("tool provider credential not configured", zap.String("tool", tool.ID))
		}
	}
	return tools
}
