package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/fatih/color"

	"sybil-chat/internal/config"
	"sybil-chat/internal/dispatch"
	"sybil-chat/internal/domain"
	"sybil-chat/internal/repository"
	"sybil-chat/internal/session"
)

var (
	configPath = flag.String("config", envOr("SYBIL_CHAT_CONFIG", "chat.yaml"), "Path to the chat config file")
	chatID     = flag.String("chat", "", "Conversation to open; a new one is created when empty")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	dispatcher, err := openDispatcher(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}

	out := color.Output
	coord, err := session.New(session.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Session: domain.Session{User: domain.SessionUser{
			Name:  cfg.Session.Name,
			Email: cfg.Session.Email,
			Image: cfg.Session.Image,
		}},
		Credentials: domain.Credentials{
			APIKey:   cfg.Credentials.OpenAIKey,
			Mnemonic: cfg.Credentials.Mnemonic,
		},
		Notifier: newNotifier(out),
		Logger:   logger,
	})
	if err != nil {
		_ = dispatcher.Close()
		return err
	}
	defer coord.Close()

	p := newPrinter(out)
	go func() {
		updates := coord.Feed().Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case turns := <-updates:
				p.render(turns)
			}
		}
	}()

	if err := open(ctx, coord, p, strings.TrimSpace(*chatID)); err != nil {
		return err
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(out, bold("Sybil chat"))
	fmt.Fprintln(out, "Commands: /new starts a chat, /open <id> switches chats, exit quits.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case strings.EqualFold(line, "exit"):
			return nil
		case line == "/new":
			if err := open(ctx, coord, p, ""); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case strings.HasPrefix(line, "/open "):
			if err := open(ctx, coord, p, strings.TrimSpace(strings.TrimPrefix(line, "/open "))); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		default:
			outcome, err := coord.Submit(ctx, line)
			if err != nil {
				var sErr *session.Error
				if errors.As(err, &sErr) && sErr.Code == session.ErrorInvalidInput {
					fmt.Fprintln(os.Stderr, "Please provide prompt")
				}
				continue
			}
			p.render(outcome.Feed)
		}
	}
}

// open mounts conversationID, or a new conversation when it is empty, and
// prints its history.
func open(ctx context.Context, coord *session.Coordinator, p *printer, conversationID string) error {
	if conversationID == "" {
		conv, err := coord.NewConversation(ctx)
		if err != nil {
			return err
		}
		conversationID = conv.ID
	}
	p.reset(conversationID)
	turns, err := coord.Mount(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		p.empty()
		return nil
	}
	p.render(turns)
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (session.Store, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Table)
	default:
		return repository.NewSQLiteStore(cfg.SQLitePath)
	}
}

func openDispatcher(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (dispatch.Dispatcher, error) {
	if cfg.Mode == config.TransportPush {
		return dispatch.Dial(ctx, cfg.PushURL, dispatch.PushOptions{
			Event:   cfg.PushEvent,
			Timeout: cfg.AnswerTimeout,
			Logger:  logger,
		})
	}
	var opts []dispatch.HTTPOption
	opts = append(opts, dispatch.WithHTTPLogger(logger))
	if cfg.AnswerTimeout > 0 {
		opts = append(opts, dispatch.WithHTTPClient(&http.Client{Timeout: cfg.AnswerTimeout}))
	}
	return dispatch.NewHTTPDispatcher(cfg.AnswerURL, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
