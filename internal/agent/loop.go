package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"calcbot/internal/domain"
	"calcbot/internal/metrics"
	"calcbot/internal/tool"
)

const (
	defaultMaxIterations = 4
	defaultHistoryLimit  = 50
	defaultLLMMaxTokens  = 1024
	defaultTemperature   = 0.0
	defaultConcurrency   = 3
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// Loop is the core engine: receive message → call LLM → execute the
// requested calculator operation → return the model's final text.
type Loop struct {
	provider      domain.Provider
	sessions      *SessionManager
	prompt        *PromptBuilder
	tools         *tool.Registry
	bus           domain.MessageBus
	logger        *slog.Logger
	maxIterations int
	historyLimit  int
	concurrency   int
	rateLimiter   *RateLimiter

	// providers is the provider factory for per-request provider switching.
	providers ProviderResolver
}

// ProviderResolver resolves a provider by name.
type ProviderResolver interface {
	Get(name string) (domain.Provider, error)
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Provider      domain.Provider
	Providers     ProviderResolver // optional
	Sessions      *SessionManager
	Prompt        *PromptBuilder
	Tools         *tool.Registry
	Bus           domain.MessageBus
	Logger        *slog.Logger
	MaxIterations int
	HistoryLimit  int // max history messages sent to the model (default 50)
	Concurrency   int // max parallel messages (default 3)
}

// NewLoop creates an agent loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Loop{
		provider:      cfg.Provider,
		providers:     cfg.Providers,
		sessions:      cfg.Sessions,
		prompt:        cfg.Prompt,
		tools:         cfg.Tools,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		concurrency:   cfg.Concurrency,
		rateLimiter:   NewRateLimiter(defaultRateBurst, defaultRatePerMinute),
	}
}

// Healthcheck verifies the default provider is reachable.
func (l *Loop) Healthcheck(ctx context.Context) error {
	if l.provider == nil {
		return fmt.Errorf("no provider configured")
	}
	return l.provider.Healthy(ctx)
}

// Run consumes inbound messages and processes them with bounded concurrency.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect processes a message synchronously and returns the response.
// Used by the CLI ask command and other direct callers.
func (l *Loop) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	msg := domain.InboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "user",
		Content:   content,
		Timestamp: time.Now(),
	}
	if cmd := ParseCommand(content); cmd != nil {
		if res := l.HandleCommand(cmd, msg); res.Handled {
			return res.Response, nil
		}
	}
	return l.handleMessage(ctx, msg)
}

// processMessage handles one inbound message and sends the response back
// through the bus. Errors never escape: a failed turn produces an apology
// reply and the loop keeps serving subsequent turns.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	l.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	metrics.MessagesTotal.Inc()

	if cmd := ParseCommand(msg.Content); cmd != nil {
		if res := l.HandleCommand(cmd, msg); res.Handled {
			l.bus.SendOutbound(domain.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: res.Response,
				Format:  "text",
			})
			return
		}
	}

	response, err := l.handleMessage(ctx, msg)
	if err != nil {
		l.logger.Error("message processing failed", "error", err)
		metrics.TurnErrors.Inc()
		response = fmt.Sprintf("Извините, произошла ошибка: %s", err.Error())
	}

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
		Format:  "markdown",
	})
}

// resolveProvider returns the provider for this message.
func (l *Loop) resolveProvider(msg domain.InboundMessage) domain.Provider {
	if msg.Provider != "" && l.providers != nil {
		if p, err := l.providers.Get(msg.Provider); err == nil {
			return p
		}
		l.logger.Warn("requested provider not available, using default", "requested", msg.Provider)
	}
	return l.provider
}

// handleMessage is the dialogue core: build prompt → call LLM → execute the
// tool call if the model made one → call LLM again → return final text.
//
// At most one operation is executed per LLM response. When the model emits
// several tool calls at once, only the first is run; the rest are answered
// with a refusal so every tool_call_id still gets a tool message.
func (l *Loop) handleMessage(ctx context.Context, msg domain.InboundMessage) (string, error) {
	sessionKey := fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)
	provider := l.resolveProvider(msg)

	convID, err := l.sessions.GetOrCreateConversation(ctx, sessionKey, provider.Name(), "")
	if err != nil {
		return "", fmt.Errorf("session error: %w", err)
	}

	history, err := l.sessions.GetHistory(ctx, convID, l.historyLimit)
	if err != nil {
		l.logger.Warn("failed to load history, continuing without it", "error", err)
		history = nil
	}

	messages, err := l.prompt.BuildMessages(ctx, history, msg.Content)
	if err != nil {
		return "", fmt.Errorf("build messages: %w", err)
	}

	var toolDefs []domain.ToolDefinition
	if l.tools != nil {
		toolDefs = l.tools.GetDefinitions()
	}

	var finalContent string
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		l.logger.Debug("agent iteration", "iteration", iteration+1, "messages", len(messages))

		if err := l.rateLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}

		startTime := time.Now()
		metrics.LLMRequestsTotal.Inc()
		resp, chatErr := provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   defaultLLMMaxTokens,
			Temperature: defaultTemperature,
		})
		metrics.LLMLatency.Observe(time.Since(startTime).Seconds())
		if chatErr != nil {
			return "", fmt.Errorf("LLM error: %w", chatErr)
		}
		resp.LatencyMs = time.Since(startTime).Milliseconds()
		l.sessions.AddTokenUsage(convID, resp.Usage.TotalTokens)

		// Some smaller models embed the tool call as JSON in the content
		// field instead of using the structured tool_calls field.
		if !resp.HasToolCalls() && resp.Content != "" {
			if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
				resp.ToolCalls = extracted
				resp.Content = ""
				l.logger.Info("extracted tool calls from content text", "count", len(extracted))
			}
		}

		// No tool calls — the model answered in plain text.
		if !resp.HasToolCalls() {
			finalContent = stripRolePrefix(resp.Content)
			break
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for i, tc := range resp.ToolCalls {
			var result string
			if i == 0 {
				execResult, toolErr := l.executeTool(ctx, tc)
				if toolErr != nil {
					result = fmt.Sprintf("Error executing tool %s: %s", tc.Name, toolErr.Error())
				} else {
					result = execResult
				}
			} else {
				// One operation per response. Extra calls are refused, not
				// silently dropped: the API requires a tool message for
				// every tool_call_id in the assistant turn.
				result = fmt.Sprintf("Skipped: only one operation is executed per response (already ran %s). Ask again to run %s.", resp.ToolCalls[0].Name, tc.Name)
				l.logger.Warn("refused extra tool call", "tool", tc.Name, "position", i)
			}
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	if finalContent == "" {
		finalContent = "Я выполнил вычисление, но не смог сформулировать ответ. Попробуйте ещё раз."
	}

	if err := l.sessions.SaveMessage(ctx, convID, domain.Message{Role: "user", Content: msg.Content}); err != nil {
		l.logger.Warn("failed to save user message", "error", err, "convID", convID)
	}
	if err := l.sessions.SaveMessage(ctx, convID, domain.Message{Role: "assistant", Content: finalContent}); err != nil {
		l.logger.Warn("failed to save assistant message", "error", err, "convID", convID)
	}

	if len(history) == 0 {
		l.sessions.UpdateTitle(ctx, convID, msg.Content)
	}

	return finalContent, nil
}

// executeTool runs a single tool call through the registry.
func (l *Loop) executeTool(ctx context.Context, tc domain.ToolCall) (string, error) {
	l.logger.Info("executing tool", "tool", tc.Name)

	if l.tools == nil {
		return "", fmt.Errorf("tool registry not initialized")
	}

	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	metrics.ToolExecutions.Inc()
	result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		metrics.ToolErrors.Inc()
		return "", err
	}

	l.logger.Debug("tool completed", "tool", tc.Name, "result", result)
	return result, nil
}
