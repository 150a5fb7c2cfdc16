package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/taskpilot/taskpilot/pkg/assistant"
	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/config"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/session"
	"github.com/taskpilot/taskpilot/pkg/stub"
	"github.com/taskpilot/taskpilot/pkg/syncer"
	"github.com/taskpilot/taskpilot/pkg/tasks"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "login":
		err = runLogin(args[1:])
	case "register":
		err = runRegister(args[1:])
	case "logout":
		err = runLogout(args[1:])
	case "run":
		err = runConsole(args[1:])
	case "stub":
		err = runStub(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("taskpilot %s (commit %s, built %s)\n", version, commit, buildDate)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", userFacing(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`taskpilot - task manager client with a conversational assistant

Usage:
  taskpilot login     [-email <email>]        log in and persist the session
  taskpilot register  [-username] [-email]    create an account
  taskpilot logout                            end the persisted session
  taskpilot run                               interactive console
  taskpilot stub      [-addr <host:port>]     run the local dev backend
  taskpilot version                           print version`)
}

// userFacing prefers the error's user message over its internal chain.
func userFacing(err error) string {
	var coded *errors.Error
	if stderrors.As(err, &coded) && coded.UserMessage != "" {
		return coded.UserMessage
	}
	return err.Error()
}

// stack bundles the wired client components for one process.
type stack struct {
	cfg        *config.Config
	logger     *logging.Logger
	signals    bus.SignalBus
	sessions   *session.Store
	tasks      *tasks.Client
	assistant  *assistant.Client
	listener   *assistant.Listener
	controller *syncer.Controller
}

func buildStack() (*stack, error) {
	cfg, warnings := config.Load()
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}

	logger, err := logging.NewLogger(cfg.LogsDir(), "taskpilot")
	if err != nil {
		// Logging is best-effort for a client tool.
		logger = logging.NewNopLogger()
	}
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	signals := bus.NewMemoryBus()

	sessions := session.NewStore(session.Options{
		BaseURL:        cfg.API.BaseURL,
		TokenStore:     session.NewTokenStore(cfg.State.Dir),
		Signals:        signals,
		Logger:         logger,
		RequestTimeout: cfg.API.RequestTimeout,
	})
	taskClient := tasks.NewClient(tasks.Options{
		BaseURL:        cfg.API.BaseURL,
		Sessions:       sessions,
		Signals:        signals,
		Logger:         logger,
		RequestTimeout: cfg.API.RequestTimeout,
	})
	assistantClient := assistant.NewClient(assistant.ClientOptions{
		BaseURL:        cfg.API.BaseURL,
		Sessions:       sessions,
		Signals:        signals,
		Logger:         logger,
		RequestTimeout: cfg.API.RequestTimeout,
	})
	listener := assistant.NewListener(assistant.ListenerOptions{
		URL:         cfg.PushURL(),
		Sessions:    sessions,
		Signals:     signals,
		Logger:      logger,
		Backoff:     cfg.Push.ReconnectBackoff,
		DialTimeout: cfg.Push.DialTimeout,
	})
	controller, err := syncer.NewController(syncer.ControllerOptions{
		Tasks:    taskClient,
		Sessions: sessions,
		Signals:  signals,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:        cfg,
		logger:     logger,
		signals:    signals,
		sessions:   sessions,
		tasks:      taskClient,
		assistant:  assistantClient,
		listener:   listener,
		controller: controller,
	}, nil
}

func (s *stack) close() {
	s.listener.Close()
	s.controller.Close()
	s.signals.Close()
	_ = s.logger.Close()
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	reader := bufio.NewReader(os.Stdin)
	if *email == "" {
		if *email, err = promptLine(reader, "Email: "); err != nil {
			return err
		}
	}
	password, err := promptPassword(reader, "Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	identity, err := st.sessions.Login(ctx, session.Credentials{Email: *email, Password: password})
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s <%s>\n", identity.Username, identity.Email)
	return nil
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("username", "", "display name")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	reader := bufio.NewReader(os.Stdin)
	if *username == "" {
		if *username, err = promptLine(reader, "Username: "); err != nil {
			return err
		}
	}
	if *email == "" {
		if *email, err = promptLine(reader, "Email: "); err != nil {
			return err
		}
	}
	password, err := promptPassword(reader, "Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	identity, err := st.sessions.Register(ctx, session.Registration{
		Username: *username,
		Email:    *email,
		Password: password,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Welcome, %s! You are logged in.\n", identity.Username)
	return nil
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	st.sessions.Logout()
	fmt.Println("Logged out.")
	return nil
}

func runStub(args []string) error {
	fs := flag.NewFlagSet("stub", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:8000", "listen address")
	secret := fs.String("secret", "taskpilot-dev-secret", "JWT signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}

	backend := stub.NewServer(*secret)
	defer backend.Close()

	srv := &http.Server{Addr: *addr, Handler: backend.Handler()}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down stub backend")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Stub backend listening on http://%s (metrics on /metrics)\n", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func promptLine(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	// Piped input (tests, scripts): fall back to a plain line read.
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
