package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sybil-chat/handler"
	"sybil-chat/internal/integrations/openai"
	"sybil-chat/internal/integrations/paramstore"
	"sybil-chat/internal/repository"
	"sybil-chat/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	chatTable := os.Getenv("CHAT_TABLE")
	keyParam := envString("OPENAI_KEY_PARAM", "openai/api_key")
	maxPromptLen := envInt("MAX_PROMPT_LENGTH", 2000)
	maxHistory := envInt("MAX_HISTORY", 20)
	maxTokens := envInt("OPENAI_MAX_TOKENS", 0)
	allowCallerKeys := envBool("ALLOW_CALLER_KEYS", false)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	var opts []openai.Option
	if maxTokens > 0 {
		opts = append(opts, openai.WithMaxTokens(maxTokens))
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, keyParam, opts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var history usecase.HistoryReader
	if chatTable != "" {
		chatStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), chatTable)
		if err != nil {
			slog.Error("failed to create chat store", "err", err)
			os.Exit(1)
		}
		history = chatStore
	}

	// ---- Handler ----
	answerService, err := usecase.NewAnswerService(ssmClient, openaiClient, usecase.Options{
		AllowCallerKeys: allowCallerKeys,
		MaxPromptLen:    maxPromptLen,
		History:         history,
		MaxHistory:      maxHistory,
	})
	if err != nil {
		slog.Error("failed to create answer service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(answerService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
