package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"calcbot/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't send to LLM)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it into a
// ChatCommand. Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// HandleCommand processes a chat command and returns a result. If the
// command is not recognized, returns Handled=false so the message is
// forwarded to the LLM as a normal message.
func (l *Loop) HandleCommand(cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new", "clear":
		l.sessions.ClearSession(fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID))
		return CommandResult{Response: "История очищена. Начинаем заново.", Handled: true}

	case "status":
		return CommandResult{Response: l.statusText(), Handled: true}

	case "uptime":
		uptime := time.Since(startTime).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("calcbot v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	case "model":
		return CommandResult{Response: fmt.Sprintf("Current provider: %s", l.provider.Name()), Handled: true}

	case "ops", "tools":
		return CommandResult{Response: l.toolsText(), Handled: true}

	case "usage":
		convID := fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)
		return CommandResult{Response: fmt.Sprintf("Tokens this session: %d", l.sessions.GetTokenUsage(convID)), Handled: true}

	default:
		// Unknown command — pass through to LLM as normal message
		return CommandResult{Handled: false}
	}
}

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**calcbot commands**

/help — Show this help message
/new — Start a new conversation (clear history)
/clear — Same as /new
/status — Show bot status and info
/uptime — Show process uptime
/version — Show version info
/model — Show current LLM provider
/ops — List available operations
/usage — Show token usage for this session`
}

func (l *Loop) statusText() string {
	uptime := time.Since(startTime).Round(time.Second)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**calcbot v%s**\n\n", version))
	sb.WriteString(fmt.Sprintf("Provider: %s\n", l.provider.Name()))
	sb.WriteString(fmt.Sprintf("Operations: %d registered\n", len(l.tools.Names())))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", uptime))
	sb.WriteString(fmt.Sprintf("Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version()))
	return sb.String()
}

func (l *Loop) toolsText() string {
	names := l.tools.Names()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Available operations** (%d)\n\n", len(names)))
	for _, name := range names {
		if t := l.tools.Get(name); t != nil {
			sb.WriteString(fmt.Sprintf("• **%s** — %s\n", name, t.Description()))
		}
	}
	return sb.String()
}
