package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"calcbot/internal/domain"
)

const promptCacheTTL = 60 * time.Second

// defaultPersona is the built-in assistant identity, used when no persona
// file is configured. It pins the model to the calculator tools and keeps
// answers in the user's language.
const defaultPersona = `Ты — ассистент-калькулятор. Ты помогаешь пользователю считать.

## ПРАВИЛА
1. Для ЛЮБОГО арифметического действия вызывай соответствующий инструмент: add (сложение), subtract (вычитание), multiply (умножение). Никогда не считай в уме.
2. За один ответ вызывай не больше одного инструмента.
3. После получения результата ответь пользователю коротко и по делу, указав итоговое число.
4. Не выводи сырой JSON в тексте ответа. Используй механизм вызова инструментов.
5. Отвечай на том языке, на котором пишет пользователь.
6. Если просят операцию, которой у тебя нет (деление, степень и т.п.), честно скажи, что умеешь только складывать, вычитать и умножать.`

type cachedPrompt struct {
	content   string
	expiresAt time.Time
}

// personaFrontmatter is the YAML header of a persona file.
type personaFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Language    string `yaml:"language"`
}

// Persona is a parsed persona file: frontmatter plus the prompt body.
type Persona struct {
	Name        string
	Description string
	Language    string
	Prompt      string
}

type PromptBuilder struct {
	personaFile       string
	systemPromptExtra string
	logger            *slog.Logger

	// Parsed persona cache with TTL so edits to the file are picked up
	// without restarting the process.
	mu        sync.Mutex
	cached    *cachedPrompt
	cachedErr error
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	PersonaFile       string // optional path to a persona markdown file
	SystemPromptExtra string // custom text appended to the system prompt
}

func NewPromptBuilder(cfg PromptConfig, logger *slog.Logger) *PromptBuilder {
	return &PromptBuilder{
		personaFile:       cfg.PersonaFile,
		systemPromptExtra: cfg.SystemPromptExtra,
		logger:            logger,
	}
}

// ParsePersona splits a persona file into YAML frontmatter and prompt body.
// Files without frontmatter are treated as a bare prompt.
func ParsePersona(data []byte) (*Persona, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	p := &Persona{}

	if strings.HasPrefix(text, "---\n") {
		rest := text[4:]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("persona frontmatter not terminated")
		}
		var fm personaFrontmatter
		if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return nil, fmt.Errorf("parse persona frontmatter: %w", err)
		}
		p.Name = fm.Name
		p.Description = fm.Description
		p.Language = fm.Language
		body := rest[end+4:]
		if idx := strings.Index(body, "\n"); idx >= 0 {
			body = body[idx+1:]
		} else {
			body = ""
		}
		p.Prompt = strings.TrimSpace(body)
	} else {
		p.Prompt = strings.TrimSpace(text)
	}

	if p.Prompt == "" {
		return nil, fmt.Errorf("persona file has no prompt body")
	}
	return p, nil
}

// BuildSystemPrompt assembles the system message: persona (file or built-in),
// current time, and any extra instructions from config.
func (p *PromptBuilder) BuildSystemPrompt(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Now().Before(p.cached.expiresAt) {
		return p.cached.content, p.cachedErr
	}

	identity := defaultPersona
	if p.personaFile != "" {
		data, err := os.ReadFile(p.personaFile)
		if err != nil {
			return "", fmt.Errorf("read persona file: %w", err)
		}
		persona, err := ParsePersona(data)
		if err != nil {
			return "", err
		}
		identity = persona.Prompt
		if persona.Language != "" {
			identity += "\n\nОтвечай на языке: " + persona.Language
		}
	}

	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	identity += "\n\n## Текущее время\n" + now

	if p.systemPromptExtra != "" {
		identity += "\n\n## Дополнительные инструкции\n" + p.systemPromptExtra
	}

	p.cached = &cachedPrompt{content: identity, expiresAt: time.Now().Add(promptCacheTTL)}
	p.cachedErr = nil
	return identity, nil
}

// BuildMessages constructs [system + history + user message] for an LLM call.
func (p *PromptBuilder) BuildMessages(ctx context.Context, history []domain.Message, currentMessage string) ([]domain.Message, error) {
	systemPrompt, err := p.BuildSystemPrompt(ctx)
	if err != nil {
		return nil, err
	}

	messages := []domain.Message{
		{Role: "system", Content: systemPrompt},
	}

	for _, m := range history {
		msg := domain.Message{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
			msg.ToolName = m.ToolName
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = m.ToolCalls
		}
		messages = append(messages, msg)
	}

	messages = append(messages, domain.Message{Role: "user", Content: currentMessage})
	return messages, nil
}
