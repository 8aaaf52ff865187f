// Package cli implements the interactive operator console.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/db"
	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/network"
)

// Controller is the device listener as seen by the console.
type Controller interface {
	Start() error
	Stop()
	IsRunning() bool
	Addr() net.Addr
	Stats() network.Stats
	Active() (network.Info, bool)
}

// History is the session and alert store as seen by the console.
type History interface {
	RecentSessions(ctx context.Context, limit int) ([]db.SessionRecord, error)
	UnacknowledgedAlerts(ctx context.Context) ([]db.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
}

// CLI reads commands from in and writes results to out.
type CLI struct {
	cfg     *config.Config
	bus     *events.Bus
	ctrl    Controller
	history History

	in  io.Reader
	out io.Writer
}

// New creates a console. history may be nil.
func New(cfg *config.Config, bus *events.Bus, ctrl Controller, history History, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:     cfg,
		bus:     bus,
		ctrl:    ctrl,
		history: history,
		in:      in,
		out:     out,
	}
}

// Start runs the read-eval loop until ctx is cancelled, input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nsatlink console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "satlink> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.Execute(ctx, line); quit {
				return
			}
		}
	}
}

// Execute runs one command line. It returns true when the operator asked to
// quit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "stats":
		c.printStats()
	case "sessions":
		err = c.printSessions(ctx, args)
	case "alerts":
		err = c.printAlerts(ctx)
	case "ack":
		err = c.cmdAck(ctx, args)
	case "start":
		err = c.cmdStart()
	case "stop":
		err = c.cmdStop()
	case "set":
		err = c.cmdSet(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down satlink...")
		c.bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	for _, row := range [][]string{
		{"status", "Listener state and active connection"},
		{"stats", "Cumulative transfer counters"},
		{"sessions [n]", "Last n sessions (default 10)"},
		{"alerts", "Unacknowledged alerts"},
		{"ack <id>", "Acknowledge an alert"},
		{"start", "Start the device listener"},
		{"stop", "Stop the device listener"},
		{"set <section.key> <value>", "Update a configuration value"},
		{"quit", "Shut down satlink"},
		{"help", "Show this help message"},
	} {
		tw.Append(row)
	}
	tw.Render()
}

func (c *CLI) printStatus() {
	state := "STOPPED"
	addr := "-"
	if c.ctrl.IsRunning() {
		state = "LISTENING"
		if a := c.ctrl.Addr(); a != nil {
			addr = a.String()
		}
	}

	tw := c.table([]string{"Listener", "Address", "Session", "Peer", "State", "In", "Out", "Age"})
	row := []string{state, addr, "-", "-", "idle", "-", "-", "-"}
	if info, ok := c.ctrl.Active(); ok {
		row = []string{
			state, addr, shortID(info.ID), info.Peer, info.State,
			formatBytes(info.BytesReceived), formatBytes(info.BytesSent),
			time.Since(info.StartedAt).Truncate(time.Millisecond).String(),
		}
	}
	tw.Append(row)
	tw.Render()
}

func (c *CLI) printStats() {
	st := c.ctrl.Stats()
	tw := c.table([]string{"Accepted", "Completed", "Failed", "Received", "Sent", "Last Error"})
	lastErr := "-"
	if st.LastError != "" {
		lastErr = fmt.Sprintf("[%s] %s", st.LastErrorKind, st.LastError)
	}
	tw.Append([]string{
		strconv.FormatInt(st.Accepted, 10),
		strconv.FormatInt(st.Completed, 10),
		strconv.FormatInt(st.Failed, 10),
		formatBytes(int(st.BytesReceived)),
		formatBytes(int(st.BytesSent)),
		lastErr,
	})
	tw.Render()
}

func (c *CLI) printSessions(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("session history is not available")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	sessions, err := c.history.RecentSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded.")
		return nil
	}

	tw := c.table([]string{"Ended", "Session", "Peer", "Outcome", "Error", "In", "Out", "Duration"})
	for _, s := range sessions {
		outcome := s.Outcome
		if s.ErrorKind != "" {
			outcome += " (" + s.ErrorKind + ")"
		}
		tw.Append([]string{
			s.EndedAt.Format("2006-01-02 15:04:05"),
			shortID(s.SessionID),
			s.Peer,
			outcome,
			s.Error,
			formatBytes(s.BytesReceived),
			formatBytes(s.BytesSent),
			(time.Duration(s.DurationMs) * time.Millisecond).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printAlerts(ctx context.Context) error {
	if c.history == nil {
		return fmt.Errorf("session history is not available")
	}
	alerts, err := c.history.UnacknowledgedAlerts(ctx)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(c.out, "No open alerts.")
		return nil
	}

	tw := c.table([]string{"ID", "Created", "Level", "Type", "Message"})
	for _, a := range alerts {
		tw.Append([]string{
			strconv.FormatInt(a.ID, 10),
			a.CreatedAt.Format("2006-01-02 15:04:05"),
			strings.ToUpper(a.Level),
			a.Type,
			a.Message,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdAck(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("session history is not available")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: ack <id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid alert ID: %s", args[0])
	}
	if err := c.history.AcknowledgeAlert(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Alert %d acknowledged\n", id)
	return nil
}

func (c *CLI) cmdStart() error {
	if c.ctrl.IsRunning() {
		return fmt.Errorf("listener already running")
	}
	if err := c.ctrl.Start(); err != nil {
		return err
	}
	if a := c.ctrl.Addr(); a != nil {
		fmt.Fprintf(c.out, "Listening on %s\n", a)
	}
	return nil
}

func (c *CLI) cmdStop() error {
	if !c.ctrl.IsRunning() {
		return fmt.Errorf("listener not running")
	}
	c.ctrl.Stop()
	fmt.Fprintln(c.out, "Listener stopped")
	return nil
}

// cmdSet handles "set network.echo_on_failure true". Values are decoded as
// JSON when possible so numbers and booleans keep their type.
func (c *CLI) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <section.key> <value>")
	}
	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("key must be section.key, got %q", args[0])
	}

	raw := strings.Join(args[1:], " ")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	candidate := c.cfg.Clone()
	if err := candidate.UpdateField(section, key, value); err != nil {
		return err
	}
	if res := config.Validate(candidate); !res.IsValid() {
		return res.Errors[0]
	}

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	c.bus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Key: args[0], Value: value},
	})
	log.Info().Str("component", "cli").Str("key", args[0]).Msg("configuration updated")

	fmt.Fprintf(c.out, "Config updated: %s = %s\n", args[0], raw)
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
