package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sybil-chat/internal/config"
	"sybil-chat/internal/integrations/openai"
	"sybil-chat/internal/integrations/paramstore"
	"sybil-chat/internal/pushgw"
	"sybil-chat/internal/repository"
	"sybil-chat/internal/usecase"
)

func main() {
	configPath := flag.String("config", envOr("SYBIL_CONFIG", "gateway.yaml"), "Path to the gateway config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Gateway.ParamPrefix)
	if err != nil {
		return fmt.Errorf("creating SSM client: %w", err)
	}

	keyParam := cfg.OpenAI.KeyParam
	if keyParam == "" {
		keyParam = "openai/api_key"
	}
	var opts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.MaxTokens > 0 {
		opts = append(opts, openai.WithMaxTokens(cfg.OpenAI.MaxTokens))
	}
	if cfg.OpenAI.Temperature != nil {
		opts = append(opts, openai.WithTemperature(*cfg.OpenAI.Temperature))
	}
	llm, err := openai.NewClient(params, keyParam, opts...)
	if err != nil {
		return fmt.Errorf("creating OpenAI client: %w", err)
	}

	var history usecase.HistoryReader
	if cfg.Gateway.HistoryTable != "" {
		chatStore, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Gateway.HistoryTable)
		if err != nil {
			return fmt.Errorf("creating chat store: %w", err)
		}
		history = chatStore
	}

	answerer, err := usecase.NewAnswerService(params, llm, usecase.Options{
		AllowCallerKeys: cfg.Gateway.AllowCallerKeys,
		History:         history,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating answer service: %w", err)
	}

	srv, err := pushgw.New(answerer, pushgw.Options{
		Addr:           cfg.Gateway.Addr,
		Path:           cfg.Gateway.Path,
		OriginPatterns: cfg.Gateway.OriginPatterns,
		MaxConcurrent:  cfg.Gateway.MaxConcurrent,
		AnswerTimeout:  cfg.Gateway.AnswerTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
