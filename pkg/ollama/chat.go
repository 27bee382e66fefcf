package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const systemPrompt = `You are Quill, a document knowledge assistant.
Answer the user's question using ONLY the provided context from the document library.
Respond in plain text without markdown formatting.
If the context does not contain the information needed to answer, reply with exactly NO_ANSWER.`

const intentPrompt = `Classify the intent of the user's question as one or two lowercase words,
for example "troubleshooting", "definition", "how to", "comparison".
Respond with only the label.`

// ChatClient calls Ollama's chat API for answer generation.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
	intent  bool
}

// ChatOption configures a ChatClient.
type ChatOption func(*ChatClient)

// WithIntentClassification makes Generate classify the question's intent
// first and fold the label into the system prompt. Classification failures
// are ignored; the answer call proceeds without the hint.
func WithIntentClassification() ChatOption {
	return func(c *ChatClient) { c.intent = true }
}

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL, model string, opts ...ChatOption) *ChatClient {
	c := &ChatClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message chatMessage `json:"message"`
}

// Generate produces an answer for the question grounded in contextText.
// An empty contextText asks the model to answer from its own knowledge.
func (c *ChatClient) Generate(ctx context.Context, contextText, question string) (string, error) {
	system := systemPrompt
	if contextText == "" {
		system = `You are Quill, a document knowledge assistant.
The document library had no relevant material, so answer from general knowledge.
Respond in plain text without markdown formatting and say when you are unsure.`
	}
	if c.intent {
		if label, err := c.Classify(ctx, question); err == nil && label != "" {
			system += "\nThe question's intent is: " + label + "."
		}
	}

	user := question
	if contextText != "" {
		user = "Context:\n" + contextText + "\n\nQuestion:\n" + question
	}

	reply, err := c.chat(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, map[string]any{"temperature": 0.2})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return reply, nil
}

// Classify returns a short intent label for the question.
func (c *ChatClient) Classify(ctx context.Context, question string) (string, error) {
	reply, err := c.chat(ctx, []chatMessage{
		{Role: "system", Content: intentPrompt},
		{Role: "user", Content: question},
	}, map[string]any{"temperature": 0.0})
	if err != nil {
		return "", fmt.Errorf("ollama classify: %w", err)
	}
	label := strings.ToLower(strings.TrimSpace(reply))
	if len(strings.Fields(label)) > 3 {
		// Model rambled instead of labelling; treat as unclassified.
		return "", nil
	}
	return label, nil
}

func (c *ChatClient) chat(ctx context.Context, messages []chatMessage, options map[string]any) (string, error) {
	body, _ := json.Marshal(chatReq{Model: c.model, Messages: messages, Stream: false, Options: options})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var result chatResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// Ping checks that the Ollama instance at baseURL is reachable.
func Ping(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("ollama ping: status %d", resp.StatusCode)
	}
	return nil
}
