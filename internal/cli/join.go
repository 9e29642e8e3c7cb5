package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xiaot623/livesession/internal/adapter/api"
	"github.com/xiaot623/livesession/internal/billing"
	"github.com/xiaot623/livesession/internal/config"
	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/feed"
	"github.com/xiaot623/livesession/internal/panel"
	"github.com/xiaot623/livesession/internal/session"
	"github.com/xiaot623/livesession/internal/telemetry"
)

// sessionView is the part of panel.Controller the terminal drives.
type sessionView interface {
	SendMessage(ctx context.Context, body string) (string, error)
	UploadFile(ctx context.Context, name, mimeType string, data []byte) (string, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ChangeRate(ctx context.Context, rate decimal.Decimal) error
	ChangeMultiplier(ctx context.Context, multiplier decimal.Decimal) error
	EndSession(ctx context.Context) error
	GenerateInvoice(ctx context.Context) (*panel.InvoiceResult, error)
	State() session.Snapshot
	Degraded() bool
}

func newJoinCmd() *cobra.Command {
	var (
		server    string
		sessionID string
		role      string
		id        string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session from the terminal",
		Long: `Join a session as provider or customer. Lines you type are sent as chat
messages. Commands:
  /pause, /resume          stop or restart the billing clock
  /rate <v>                change the rate per minute
  /multiplier <v>          change the multiplier
  /upload <path>           share a file
  /invoice                 generate an invoice from the current state
  /status                  show elapsed time, rate and feed health
  /end                     end the session for everyone
  /quit                    leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return join(cmd.Context(), cfg, joinOptions{
				server:      server,
				participant: panel.Participant{Role: domain.Role(role), ID: id, DisplayName: name},
				sessionID:   sessionID,
			})
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "session server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleCustomer), "provider or customer")
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.MarkFlagRequired("session")
	return cmd
}

type joinOptions struct {
	server      string
	sessionID   string
	participant panel.Participant
}

func join(ctx context.Context, cfg *config.Config, opts joinOptions) error {
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(os.TempDir(), "livesession-join.log")
	}
	logger, logCloser, err := telemetry.InitLogger(telemetry.Config{
		ServiceName: "livesession-join",
		LogFile:     logFile,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	taxRate, err := cfg.Tax()
	if err != nil {
		return err
	}
	calc, err := billing.NewCalculator(taxRate)
	if err != nil {
		return err
	}

	out := &printer{w: os.Stdout, seen: make(map[string]bool)}
	ctrl, err := panel.New(panel.Config{
		SessionID:   opts.sessionID,
		Participant: opts.participant,
		Store:       api.NewClient(opts.server, 30*time.Second),
		Feed: feed.Options{
			URL:             feedURL(opts.server),
			MaxAttempts:     cfg.FeedMaxAttempts,
			InitialInterval: cfg.FeedInitialInterval(),
			MaxInterval:     cfg.FeedMaxInterval(),
		},
		Calculator:   calc,
		DueDays:      cfg.DueDays,
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
		OnChange:     out.onChange,
	})
	if err != nil {
		return err
	}
	out.ctrl = ctrl

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Close()

	sess := ctrl.Session()
	fmt.Fprintf(os.Stdout, "Joined %s (%s with %s) as %s. Type /quit to leave.\n",
		sess.SessionID, sess.ProviderName, sess.CustomerName, opts.participant.Role)
	out.printNew()
	printStatus(os.Stdout, ctrl)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stdout, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, ctrl, line, os.Stdout)
			if err != nil {
				fmt.Fprintf(os.Stdout, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// runCommand executes one input line. Lines that are not commands are chat messages.
func runCommand(ctx context.Context, v sessionView, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := v.SendMessage(ctx, line)
		return false, err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/pause":
		return false, absorb(v.Pause(ctx), out, "already paused")
	case "/resume":
		return false, absorb(v.Resume(ctx), out, "already running")
	case "/rate":
		rate, err := decimal.NewFromString(arg)
		if err != nil {
			return false, fmt.Errorf("usage: /rate <amount>")
		}
		return false, v.ChangeRate(ctx, rate)
	case "/multiplier":
		m, err := decimal.NewFromString(arg)
		if err != nil {
			return false, fmt.Errorf("usage: /multiplier <value>")
		}
		return false, v.ChangeMultiplier(ctx, m)
	case "/upload":
		if arg == "" {
			return false, fmt.Errorf("usage: /upload <path>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, err
		}
		name := filepath.Base(arg)
		_, err = v.UploadFile(ctx, name, mime.TypeByExtension(filepath.Ext(name)), data)
		return false, err
	case "/invoice":
		res, err := v.GenerateInvoice(ctx)
		if err != nil {
			return false, err
		}
		out.Write(res.Document)
		if !res.Recorded {
			fmt.Fprintf(out, "(invoice not recorded: %v)\n", res.SaveErr)
		}
		return false, nil
	case "/status":
		printStatus(out, v)
		return false, nil
	case "/end":
		return false, v.EndSession(ctx)
	}
	return false, fmt.Errorf("unknown command %s", cmd)
}

func absorb(err error, out io.Writer, note string) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		fmt.Fprintln(out, note)
		return nil
	}
	return err
}

func printStatus(out io.Writer, v sessionView) {
	snap := v.State()
	fmt.Fprintf(out, "[%s] elapsed %s (%d billed min) rate %s x%s",
		snap.State, snap.Elapsed.Truncate(time.Second), billing.BilledMinutes(snap.ElapsedSeconds),
		billing.FormatMoney(snap.RatePerMinute), snap.Multiplier.String())
	if v.Degraded() {
		fmt.Fprint(out, " (live updates degraded, polling)")
	}
	fmt.Fprintln(out)
}

// feedURL derives the WebSocket endpoint from the HTTP base URL.
func feedURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	}
	return server + "/ws"
}

// printer writes view changes to the terminal.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	ctrl *panel.Controller
	seen map[string]bool
}

func (p *printer) onChange(ch panel.Change) {
	switch ch.Kind {
	case panel.ChangeMessages, panel.ChangeFiles:
		p.printNew()
	case panel.ChangeState:
		printStatus(p.w, p.ctrl)
	case panel.ChangeFeed:
		if ch.Status == feed.StatusDegraded {
			fmt.Fprintf(p.w, "! live updates lost on %s: %v\n", ch.Channel, ch.Err)
		}
	}
}

func (p *printer) printNew() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.ctrl.Messages() {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		name := m.SenderDisplayName
		if name == "" {
			name = string(m.SenderRole)
		}
		fmt.Fprintf(p.w, "%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Body)
	}
	files := p.ctrl.Files()
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if p.seen[f.ID] {
			continue
		}
		p.seen[f.ID] = true
		fmt.Fprintf(p.w, "%s shared %s (%d bytes) %s\n", f.UploadedByRole, f.Name, f.ByteSize, f.URL)
	}
}
