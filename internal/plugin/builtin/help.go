package builtin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/telegram"
)

// Help answers /help with the configured command list and registers
// that list with Telegram so clients show it in the command menu.
type Help struct {
	pc dispatch.InstanceContext
}

func NewHelp() *Help { return &Help{} }

func (p *Help) Name() string            { return "help" }
func (p *Help) Version() string         { return "1.0.0" }
func (p *Help) Dependencies() []string  { return nil }
func (p *Help) SupportsHotReload() bool { return true }

func (p *Help) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	if pc.Client == nil {
		return nil
	}
	cmds := p.commandList()
	if len(cmds) == 0 {
		return nil
	}
	menu := make([]telegram.Command, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, telegram.Command{
			Name:        strings.TrimPrefix(c.command, "/"),
			Description: c.description,
		})
	}
	if err := pc.Client.SetCommands(ctx, menu); err != nil {
		slog.Warn("could not publish command menu",
			"bot_id", pc.BotID, "error", err)
	}
	return nil
}

func (p *Help) Routes(r *dispatch.Router) {
	r.Command("help", p.handleHelp)
}

type helpEntry struct {
	command     string
	description string
}

func (p *Help) commandList() []helpEntry {
	raw, ok := p.pc.Config["commands"].([]any)
	if !ok {
		return nil
	}
	entries := make([]helpEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cmd, _ := m["command"].(string)
		if cmd == "" {
			continue
		}
		desc, _ := m["description"].(string)
		entries = append(entries, helpEntry{command: cmd, description: desc})
	}
	return entries
}

func (p *Help) handleHelp(ctx context.Context, req *dispatch.Request) error {
	header := p.pc.ConfigString("header", "Available Commands")
	lines := []string{"<b>" + header + "</b>\n"}

	cmds := p.commandList()
	if len(cmds) == 0 {
		lines = append(lines,
			"/start - Start the bot",
			"/help - Show this help message")
	} else {
		for _, c := range cmds {
			lines = append(lines, c.command+" - "+c.description)
		}
	}

	if footer := p.pc.ConfigString("footer", ""); footer != "" {
		lines = append(lines, "\n"+footer)
	}

	_, err := req.Client.SendHTML(ctx, req.ChatID(), strings.Join(lines, "\n"))
	return err
}
