package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/lotas/tabgruppen/internal/applog"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "llama3.2"
)

// ollamaSession is the model state built from one set of rules.
type ollamaSession struct {
	system string
	rules  string
}

// OllamaProvider runs inference on the local machine. The local model is a
// single shared session: only one caller may use it at a time, and it is
// rebuilt whenever the rules change.
type OllamaProvider struct {
	client *api.Client
	model  string

	sem     *semaphore.Weighted
	session *ollamaSession
}

// NewOllamaProvider creates a provider for host (empty means localhost).
func NewOllamaProvider(host, model string) (*OllamaProvider, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	if model == "" {
		model = defaultOllamaModel
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, &ConfigError{Provider: "ollama", Reason: fmt.Sprintf("invalid host %q: %v", host, err)}
	}
	return &OllamaProvider{
		client: api.NewClient(u, &http.Client{Timeout: 5 * time.Minute}),
		model:  model,
		sem:    semaphore.NewWeighted(1),
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

// ResetSession drops the session built from the previous rules and asks the
// server to unload the model so its context does not leak into the next one.
func (p *OllamaProvider) ResetSession(rules string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		applog.Error("ollama.reset", err)
		return
	}
	defer p.sem.Release(1)

	had := p.session != nil
	p.session = &ollamaSession{system: BuildSystemPrompt(rules), rules: rules}
	if !had {
		return
	}
	req := &api.GenerateRequest{Model: p.model, KeepAlive: &api.Duration{Duration: 0}}
	if err := p.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		applog.Error("ollama.unload", err, "model", p.model)
	}
}

// Generate sends one batch. Calls are serialized.
func (p *OllamaProvider) Generate(ctx context.Context, req BatchRequest) ([]Assignment, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	if p.session == nil || p.session.rules != req.Rules {
		p.session = &ollamaSession{system: BuildSystemPrompt(req.Rules), rules: req.Rules}
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model: p.model,
		Messages: []api.Message{
			{Role: "system", Content: p.session.system},
			{Role: "user", Content: BuildPrompt(req)},
		},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": 0},
	}

	var b strings.Builder
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	return ParseAssignments(b.String())
}
