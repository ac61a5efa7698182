// cmd/swapctl/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/eventlistener"
	"github.com/rovshanmuradov/swapflow/internal/ui"
	applog "github.com/rovshanmuradov/swapflow/internal/utils/logger"
)

type options struct {
	server   string
	tokenIn  string
	tokenOut string
	amount   float64
	slippage float64
	count    int
	watch    string
	plain    bool
	debug    bool
	logFile  string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "ws://localhost:3000", "server base URL")
	flag.StringVar(&opts.tokenIn, "in", "SOL", "token to sell")
	flag.StringVar(&opts.tokenOut, "out", "USDC", "token to buy")
	flag.Float64Var(&opts.amount, "amount", 1, "amount of the input token")
	flag.Float64Var(&opts.slippage, "slippage", 0, "price tolerance, 0 uses the server default")
	flag.IntVar(&opts.count, "count", 1, "number of orders to submit")
	flag.StringVar(&opts.watch, "watch", "", "follow an existing transaction id instead of submitting")
	flag.BoolVar(&opts.plain, "plain", false, "print log lines instead of the live monitor")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flag.StringVar(&opts.logFile, "log-file", "", "write logs to this file while the live monitor runs")
	flag.Parse()

	logger, err := newLogger(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("swapctl failed", zap.Error(err))
		os.Exit(1)
	}
}

// newLogger prints to the terminal in plain mode. The live monitor owns
// the terminal, so its logs go to a file or nowhere.
func newLogger(opts options) (*zap.Logger, error) {
	if opts.plain {
		return applog.NewPretty(os.Stdout, opts.debug), nil
	}
	if opts.logFile == "" {
		return zap.NewNop(), nil
	}
	f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return applog.NewPretty(f, opts.debug), nil
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	base := strings.TrimRight(opts.server, "/")
	url := base + "/api/transactions/process"
	expect := opts.count
	if opts.watch != "" {
		url = base + "/api/transactions/" + opts.watch + "/stream"
		expect = 1
	}

	listener, err := eventlistener.NewEventListener(ctx, url, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	if opts.watch == "" {
		sub := domain.Submission{TokenIn: opts.tokenIn, TokenOut: opts.tokenOut, Amount: opts.amount}
		if opts.slippage > 0 {
			sub.Slippage = &opts.slippage
		}
		for i := 0; i < opts.count; i++ {
			if err := listener.Submit(sub); err != nil {
				return fmt.Errorf("submit order %d: %w", i+1, err)
			}
		}
	}

	if opts.plain {
		return watchPlain(ctx, listener, expect, logger)
	}
	return watchMonitor(ctx, listener, expect, logger)
}

// watchPlain logs every message until expect transactions finished.
func watchPlain(ctx context.Context, listener *eventlistener.EventListener, expect int, logger *zap.Logger) error {
	done := 0
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return listener.Subscribe(ctx, func(event eventlistener.Event) {
		eventlistener.HandleEvent(event, logger)
		if event.IsTerminal() || (event.Type == eventlistener.MsgSnapshot && event.Transaction != nil && event.Transaction.Status.IsTerminal()) {
			done++
		}
		if event.Type == eventlistener.MsgValidationFailed {
			done++
		}
		if done >= expect {
			cancel()
		}
	})
}

func watchMonitor(ctx context.Context, listener *eventlistener.EventListener, expect int, logger *zap.Logger) error {
	updates := make(chan tea.Msg, 256)
	sender := ui.NewUpdateSender(updates, logger)
	defer sender.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sender.Forward(ctx, listener)

	model := ui.NewMonitor(updates, expect)
	recovery := ui.NewRecoveryHandler(logger)
	if err := recovery.RunWithRecovery(ctx, ui.NewSafeUIWrapper(model, logger)); err != nil {
		return err
	}

	s := model.Summary()
	fmt.Printf("confirmed %d, failed %d, active %d\n", s.Confirmed, s.Failed, s.Active)
	if msg := model.LastError(); msg != "" {
		fmt.Printf("last error: %s\n", msg)
	}
	return nil
}
