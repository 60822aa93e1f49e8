package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const botSystemPrompt = `You are playing a game of Mafia as one of the players. Each turn you are told your role, the phase, what has happened so far and the players you may pick. Answer with the exact name of the player you pick and nothing else.`

const botCallTimeout = 10 * time.Second

// llmBotPolicy asks a language model for each bot decision. Unusable answers
// and provider errors fall back to the random policy.
type llmBotPolicy struct {
	llm      llms.Model
	callOpts []llms.CallOption
	fallback BotPolicy
}

func (b *llmBotPolicy) ChooseTarget(ctx context.Context, g *Game, bot *Player) string {
	candidates := botCandidates(g, bot)
	if len(candidates) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, botCallTimeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, botSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, botPrompt(g, bot, candidates)),
	}
	resp, err := b.llm.GenerateContent(ctx, messages, b.callOpts...)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Bot policy: %s: %v", bot.Name, err)
		}
		return b.fallback.ChooseTarget(ctx, g, bot)
	}
	if len(resp.Choices) == 0 {
		return b.fallback.ChooseTarget(ctx, g, bot)
	}

	if p := matchCandidate(resp.Choices[0].Content, candidates); p != nil {
		DebugLog("llmBotPolicy", "Bot '%s' (%s) picked '%s'", bot.Name, bot.Role, p.Name)
		return p.UID
	}
	DebugLog("llmBotPolicy", "Bot '%s' gave an unusable answer %q", bot.Name, resp.Choices[0].Content)
	return b.fallback.ChooseTarget(ctx, g, bot)
}

// botPrompt describes the game from the bot's point of view. Only public
// events and the bot's own private events are included.
func botPrompt(g *Game, bot *Player, candidates []*Player) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s and your role is %s.\n", bot.Name, bot.Role)
	switch {
	case g.State == StateDay:
		sb.WriteString("It is day. Vote for the player you want to eliminate.\n")
	case bot.Role == RoleMafia:
		sb.WriteString("It is night. Pick the player the mafia should eliminate.\n")
	case bot.Role == RoleDoctor:
		sb.WriteString("It is night. Pick the player you want to protect.\n")
	case bot.Role == RoleDetective:
		sb.WriteString("It is night. Pick the player you want to investigate.\n")
	}

	if bot.Role == RoleMafia {
		var partners []string
		for _, p := range g.sortedPlayers() {
			if p.Role == RoleMafia && p.UID != bot.UID {
				partners = append(partners, p.Name)
			}
		}
		if len(partners) > 0 {
			fmt.Fprintf(&sb, "Your fellow mafia: %s.\n", strings.Join(partners, ", "))
		}
	}

	var history []string
	for _, e := range g.Events {
		if e.Visibility == "" || e.Visibility == bot.UID {
			history = append(history, e.Message)
		}
	}
	if len(history) > 0 {
		sb.WriteString("What happened so far:\n" + strings.Join(history, "\n") + "\n")
	}

	names := make([]string, len(candidates))
	for i, p := range candidates {
		names[i] = p.Name
	}
	sb.WriteString("Players you may pick: " + strings.Join(names, ", "))
	return sb.String()
}

// matchCandidate finds the candidate named in answer. An exact match wins over
// a name merely contained in a longer reply.
func matchCandidate(answer string, candidates []*Player) *Player {
	answer = strings.Trim(strings.TrimSpace(answer), ".!\"'")
	for _, p := range candidates {
		if strings.EqualFold(answer, p.Name) {
			return p
		}
	}
	lower := strings.ToLower(answer)
	for _, p := range candidates {
		if strings.Contains(lower, strings.ToLower(p.Name)) {
			return p
		}
	}
	return nil
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.BotTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.BotTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Bot policy: temperature=%.2f", f)
		} else {
			log.Printf("Bot policy: invalid temperature %q: %v", cfg.BotTemperature, err)
		}
	}

	if cfg.BotThinking != "" {
		mode := llms.ThinkingMode(cfg.BotThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Bot policy: thinking=%s", mode)
		default:
			log.Printf("Bot policy: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.BotThinking)
		}
	}

	return opts
}

// initBotPolicy returns the bot policy selected by config. Without a provider,
// or when the provider cannot be set up, bots play randomly.
func initBotPolicy(cfg AppConfig) BotPolicy {
	llm, err := newBotModel(cfg)
	if err != nil {
		log.Printf("Bot policy: failed to init %s (%s): %v", cfg.BotProvider, cfg.BotModel, err)
		return randomBotPolicy{}
	}
	if llm == nil {
		log.Printf("Bot policy: random (set bot_provider to enable a language model)")
		return randomBotPolicy{}
	}
	log.Printf("Bot policy: %s model=%s", cfg.BotProvider, cfg.BotModel)
	return &llmBotPolicy{llm: llm, callOpts: buildCallOpts(cfg), fallback: randomBotPolicy{}}
}

// botHTTPClient is the transport of every provider. Provider traffic goes to
// the request log when request logging is on.
func botHTTPClient() *http.Client {
	client := &http.Client{Timeout: botCallTimeout}
	if appLogger != nil && appLogger.logRequests {
		client.Transport = &LoggingRoundTripper{Transport: http.DefaultTransport, Logger: appLogger}
	}
	return client
}

func newBotModel(cfg AppConfig) (llms.Model, error) {
	model := cfg.BotModel
	client := botHTTPClient()
	switch cfg.BotProvider {
	case "ollama":
		return ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.BotOllamaURL), ollama.WithHTTPClient(client))
	case "openai":
		return openai.New(openai.WithModel(model), openai.WithHTTPClient(client))
	case "claude":
		return anthropic.New(anthropic.WithModel(model), anthropic.WithHTTPClient(client))
	case "gemini":
		return googleai.New(context.Background(), googleai.WithDefaultModel(model), googleai.WithHTTPClient(client))
	case "groq":
		return openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
			openai.WithHTTPClient(client),
		)
	case "openai-compatible":
		if cfg.BotURL == "" {
			return nil, fmt.Errorf("bot_url is required for openai-compatible provider")
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.BotURL),
			openai.WithHTTPClient(client),
		}
		if cfg.BotAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.BotAPIKey))
		}
		return openai.New(opts...)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.BotProvider)
}
