package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrNotInitialized = errors.New("llm client is not initialized")

type Config struct {
	Backend    string `yaml:"backend"`
	Model      string `yaml:"model"`
	OllamaHost string `yaml:"ollama_host"`
}

type provider interface {
	init(cfg Config) error
	defaultModel() string
	generate(ctx context.Context, prompt, model string) (string, error)
	generateJSON(ctx context.Context, prompt, model string, schema any) (string, error)
}

// Client is the inference service handle. It is constructed once and passed
// around through the Environment; there is no package-level singleton.
type Client struct {
	p       provider
	backend string
	model   string
}

func NewClient(cfg Config) (*Client, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "gemini"
	}
	var p provider
	switch backend {
	case "gemini":
		p = &geminiProvider{}
	case "ollama":
		p = &ollamaProvider{}
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", cfg.Backend)
	}
	if err := p.init(cfg); err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = p.defaultModel()
	}
	return &Client{p: p, backend: backend, model: model}, nil
}

func (c *Client) Backend() string { return c.backend }

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.p == nil {
		return "", ErrNotInitialized
	}
	return c.p.generate(ctx, prompt, c.model)
}

func (c *Client) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	if c == nil || c.p == nil {
		return "", ErrNotInitialized
	}
	return c.p.generateJSON(ctx, prompt, c.model, schema)
}

// Invoke runs one analysis task against the inference service and returns its
// structured result. Prompt wording stays inside this package boundary; the
// orchestrator only supplies the task name and input context.
func (c *Client) Invoke(ctx context.Context, task string, input map[string]any) (map[string]any, error) {
	prompt := buildTaskPrompt(task, input)
	raw, err := c.GenerateJSON(ctx, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", task, err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return nil, fmt.Errorf("invoke %s: malformed structured result: %v", task, err)
	}
	return out, nil
}

func buildTaskPrompt(task string, input map[string]any) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are the %s agent of a document analysis system.\n", task))
	sb.WriteString("Respond ONLY with a single strict JSON object. No extra text.\n\n")
	sb.WriteString("INPUT CONTEXT:\n")
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if b, err := json.Marshal(input[k]); err == nil {
			sb.WriteString(fmt.Sprintf("%s: %s\n", k, b))
		}
	}
	sb.WriteString("\nProduce the JSON result now:\n")
	return sb.String()
}

// cleanJSON tolerates models that wrap their output in a markdown fence.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
