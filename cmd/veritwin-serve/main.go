package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veritwin/veritwin/internal/config"
	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/server"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/internal/storage/postgres"
	"github.com/veritwin/veritwin/internal/storage/sqlite"
)

func main() {
	deploymentsPath := flag.String("deployments", "", "Path to deployments YAML file (default: config/deployments.yaml if present)")
	flag.Parse()

	if *deploymentsPath == "" {
		defaultPath := "config/deployments.yaml"
		if _, err := os.Stat(defaultPath); err == nil {
			*deploymentsPath = defaultPath
			log.Printf("Using deployments file: %s", defaultPath)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// A deployments file overrides the env-configured storage and LLM
	// settings with its default deployment.
	if *deploymentsPath != "" {
		deployments, err := config.LoadDeployments(*deploymentsPath)
		if err != nil {
			log.Fatalf("Failed to load deployments: %v", err)
		}
		applyDeployment(cfg, deployments.Default())
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	generator, embedder := buildLLMClients(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, _ := server.Start(ctx, cfg, server.Deps{
		Store:     store,
		Generator: generator,
		Embedder:  embedder,
	})
	log.Printf("Veritwin API running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Engine == "postgres" {
		log.Printf("Opening postgres store: %s", config.SanitizeDSN(cfg.Storage.PostgresDSN))
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cfg.Storage.DataPath, "veritwin.db")
	log.Printf("Opening sqlite store: %s", dbPath)
	return sqlite.NewStore(dbPath)
}

// buildLLMClients creates the text and embedding clients for the configured
// provider. Both are optional: without them the server still answers from
// verified and grounded content, with synthesis and semantic matching off.
func buildLLMClients(cfg *config.Config) (llm.TextGenerator, llm.EmbeddingGenerator) {
	providerCfg := llm.ProviderConfig{
		Provider:       cfg.LLM.Provider,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	}
	switch cfg.LLM.Provider {
	case "openai":
		providerCfg.APIKey = cfg.LLM.OpenAIAPIKey
		providerCfg.Model = cfg.LLM.OpenAIModel
	case "anthropic":
		providerCfg.APIKey = cfg.LLM.AnthropicAPIKey
		providerCfg.Model = cfg.LLM.AnthropicModel
	default:
		providerCfg.Model = cfg.LLM.OllamaModel
		providerCfg.BaseURL = cfg.LLM.OllamaURL
	}

	generator, err := llm.NewTextGenerator(providerCfg)
	if err != nil {
		log.Printf("Warning: no text generator available (%v); answers are served from grounded content only", err)
	}

	embedder, err := llm.NewEmbeddingGenerator(providerCfg)
	if err != nil {
		log.Printf("Warning: no embedding generator available (%v); semantic matching disabled", err)
	} else if embedder == nil {
		log.Printf("Provider %q has no embeddings API; semantic matching disabled", cfg.LLM.Provider)
	}
	return generator, embedder
}

// applyDeployment overlays a deployment's storage and LLM settings onto the
// process config.
func applyDeployment(cfg *config.Config, d *config.Deployment) {
	log.Printf("Applying deployment %q", d.Name)

	switch d.Database.Type {
	case "postgres":
		cfg.Storage.Engine = "postgres"
		cfg.Storage.PostgresDSN = d.Database.DSN
	case "sqlite":
		cfg.Storage.Engine = "sqlite"
		cfg.Storage.DataPath = filepath.Dir(d.Database.Path)
	}

	if d.LLM.Provider != "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	if d.LLM.EmbeddingModel != "" {
		cfg.LLM.EmbeddingModel = d.LLM.EmbeddingModel
	}
	switch cfg.LLM.Provider {
	case "openai":
		if d.LLM.APIKey != "" {
			cfg.LLM.OpenAIAPIKey = d.LLM.APIKey
		}
		if d.LLM.Model != "" {
			cfg.LLM.OpenAIModel = d.LLM.Model
		}
	case "anthropic":
		if d.LLM.APIKey != "" {
			cfg.LLM.AnthropicAPIKey = d.LLM.APIKey
		}
		if d.LLM.Model != "" {
			cfg.LLM.AnthropicModel = d.LLM.Model
		}
	default:
		if d.LLM.Model != "" {
			cfg.LLM.OllamaModel = d.LLM.Model
		}
		if d.LLM.BaseURL != "" {
			cfg.LLM.OllamaURL = d.LLM.BaseURL
		}
	}
}
