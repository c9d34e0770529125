package messaging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"text/tabwriter"
	"text/template"
)

// Template file suffixes looked up per stage.
const (
	ClientSuffix  = "_client.txt"
	ManagerSuffix = "_manager.txt"
)

// StageMessage describes the messages of one stage execution.
type StageMessage struct {
	Funnel   string
	Stage    string
	ClientID string
	// Debug routes client messages to staff, prefixed with the client id.
	Debug bool
	// Data is the template dot.
	Data map[string]any
	// IdempotencyKey identifies the stage execution; it is suffixed with
	// /client or /manager per message.
	IdempotencyKey string
	Redelivery     bool
}

// Sent reports what SendStage delivered.
type Sent struct {
	Client  bool
	Manager bool
}

// Composer renders {funnel}/{stage}_client.txt and _manager.txt templates
// and sends the results. Missing templates are skipped.
type Composer struct {
	templates fs.FS
	sender    Sender
	logger    *slog.Logger
}

// NewComposer creates a Composer reading templates from fsys.
func NewComposer(fsys fs.FS, sender Sender, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{templates: fsys, sender: sender, logger: logger}
}

// TemplatePath returns the lower-cased template path for a stage.
func TemplatePath(funnel, stage, suffix string) string {
	return strings.ToLower(path.Join(funnel, stage+suffix))
}

// SendStage renders and sends the stage's client and manager messages.
//
// The client message goes to the client, or to staff prefixed with
// "sent to client N" in debug mode. Without a client id it goes to staff
// prefixed with "not sent to client". Both templates render before anything
// is sent, so a template error sends nothing.
func (c *Composer) SendStage(ctx context.Context, m StageMessage) (Sent, error) {
	clientText, hasClient, err := c.render(TemplatePath(m.Funnel, m.Stage, ClientSuffix), m.Data)
	if err != nil {
		return Sent{}, err
	}
	managerText, hasManager, err := c.render(TemplatePath(m.Funnel, m.Stage, ManagerSuffix), m.Data)
	if err != nil {
		return Sent{}, err
	}

	var sent Sent
	if hasClient {
		to, text := Client(m.ClientID), clientText
		switch {
		case m.ClientID == "":
			to, text = Staff(), "not sent to client:\n\n"+clientText
		case m.Debug:
			to, text = Staff(), fmt.Sprintf("sent to client %s:\n\n%s", m.ClientID, clientText)
		}
		msg := Message{Text: text, IdempotencyKey: keyFor(m.IdempotencyKey, "client"), Redelivery: m.Redelivery}
		if err := c.sender.Send(ctx, to, msg); err != nil {
			return sent, fmt.Errorf("send %s client message: %w", m.Stage, err)
		}
		sent.Client = true
		c.logger.Info("stage message sent", "funnel", m.Funnel, "stage", m.Stage, "to", to.String())
	}
	if hasManager {
		msg := Message{Text: managerText, IdempotencyKey: keyFor(m.IdempotencyKey, "manager"), Redelivery: m.Redelivery}
		if err := c.sender.Send(ctx, Staff(), msg); err != nil {
			return sent, fmt.Errorf("send %s manager message: %w", m.Stage, err)
		}
		sent.Manager = true
		c.logger.Info("stage message sent", "funnel", m.Funnel, "stage", m.Stage, "to", "staff")
	}
	return sent, nil
}

// Has reports whether the stage has any message template.
func (c *Composer) Has(funnel, stage string) bool {
	for _, suffix := range []string{ClientSuffix, ManagerSuffix} {
		if _, err := fs.Stat(c.templates, TemplatePath(funnel, stage, suffix)); err == nil {
			return true
		}
	}
	return false
}

func (c *Composer) render(name string, data map[string]any) (string, bool, error) {
	if c.templates == nil {
		return "", false, nil
	}
	src, err := fs.ReadFile(c.templates, name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read template %s: %w", name, err)
	}
	t, err := template.New(name).Funcs(Funcs()).Parse(string(src))
	if err != nil {
		return "", false, fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", false, fmt.Errorf("render template %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), true, nil
}

func keyFor(base, part string) string {
	if base == "" {
		return ""
	}
	return base + "/" + part
}

// Funcs returns the functions available to message templates.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"table": Table,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"join":  strings.Join,
	}
}

// Table renders classic rows (header first) as an aligned text table.
// No rows renders as "no data".
func Table(rows [][]string) string {
	if len(rows) == 0 {
		return "no data"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 1, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
