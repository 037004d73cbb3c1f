package pllumcord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// systemPreamble is prepended to every generation prompt. It's never
// dropped, no matter how tight the character budget gets.
const systemPreamble = "You are PLLuM, a helpful AI assistant chatting on Discord."

// ModelCatalog maps short keys (used by `!admin model`) to Hugging Face
// model IDs. 'default' tracks a model that is reliably reachable via the
// hosted inference API; the CYFRAGOVPL models may require special access.
var ModelCatalog = map[string]string{
	"default":     "mistralai/Mistral-7B-Instruct-v0.2",
	"mistral":     "mistralai/Mistral-7B-Instruct-v0.2",
	"dbrx":        "databricks/dbrx-instruct",
	"gemma":       "google/gemma-7b-it",
	"pllum-small": "CYFRAGOVPL/Llama-PLLuM-8B-instruct",
	"pllum-large": "CYFRAGOVPL/PLLuM-12B-instruct",
	"pllum-chat":  "CYFRAGOVPL/PLLuM-12B-chat",
	"test":        "gpt2",
	"distilgpt2":  "distilgpt2",
}

// ResolveModelID maps a catalog key to its model ID, passing through
// anything that isn't a known key (assumed to be a full model ID).
func ResolveModelID(model string) string {
	if id, ok := ModelCatalog[strings.ToLower(model)]; ok {
		return id
	}
	return model
}

// InferenceTransportError indicates the inference API could not be
// reached, or the call timed out. Surfaced to users as a generic
// "try again" message.
type InferenceTransportError struct {
	Err error
}

func (e *InferenceTransportError) Error() string {
	return fmt.Sprintf("inference transport error: %v", e.Err)
}

func (e *InferenceTransportError) Unwrap() error {
	return e.Err
}

// InferenceServiceError indicates the inference API returned an error
// status. The remote detail is logged, never shown verbatim to users.
type InferenceServiceError struct {
	StatusCode int
	Body       string
}

func (e *InferenceServiceError) Error() string {
	return fmt.Sprintf("inference API error: status %d", e.StatusCode)
}

// ErrMalformedResponse indicates the inference API returned a payload in
// none of the known response shapes.
var ErrMalformedResponse = errors.New("unexpected inference API response format")

// GenerationRequest carries everything needed for one inference call.
// Transient - it exists only for the duration of the call.
type GenerationRequest struct {
	// History is the conversation so far, oldest first. Empty for
	// one-shot questions.
	History []Turn

	// Input is the new user message. Never truncated.
	Input string

	// Language steers the response-language directive in the prompt
	Language Language

	// Model overrides the configured model (catalog key or model ID).
	// Empty means the configured default.
	Model string
}

// generationParameters is the HF text-generation 'parameters' object
type generationParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float32 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
	DoSample       bool    `json:"do_sample"`
}

type generationPayload struct {
	Inputs     string               `json:"inputs"`
	Parameters generationParameters `json:"parameters"`
}

// PLLuM wraps the Hugging Face text-generation API. A single client is
// shared by all conversations; outbound calls pass requestLimiter so the
// bot doesn't hammer the hosted API.
type PLLuM struct {
	config         *PLLuMConfig
	logger         *slog.Logger
	httpClient     *http.Client
	requestLimiter *rate.Limiter
}

func newPLLuM(config *PLLuMConfig, httpClient *http.Client) *PLLuM {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PLLuM{
		config:     config,
		httpClient: httpClient,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey, "pllum",
		),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond), 1,
		),
	}
}

// BuildPrompt assembles the prompt string: system preamble, language
// directive, history turns in chronological order, then the new input.
// If the result would exceed the character budget, the oldest history
// turns are dropped first - the preamble and new input never are.
func (p *PLLuM) BuildPrompt(req GenerationRequest) string {
	directive := req.Language.Directive()

	render := func(history []Turn) string {
		var b strings.Builder
		b.WriteString(systemPreamble)
		b.WriteString("\n\n")
		for _, turn := range history {
			if turn.Role == TurnRoleAssistant {
				b.WriteString("AI: ")
			} else {
				b.WriteString("User: ")
			}
			b.WriteString(turn.Content)
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(req.Input)
		b.WriteString("\n\n")
		b.WriteString(directive)
		b.WriteString("\n\nAI:")
		return b.String()
	}

	history := req.History
	prompt := render(history)
	for len([]rune(prompt)) > p.config.PromptCharacterBudget && len(history) > 0 {
		history = history[1:]
		prompt = render(history)
	}
	return prompt
}

// formatPromptForModel wraps the prompt in the instruction template the
// given model family expects.
func formatPromptForModel(modelID string, prompt string) string {
	switch {
	case strings.Contains(modelID, "Llama-PLLuM"):
		return fmt.Sprintf("<s>[INST] %s [/INST]", prompt)
	case strings.Contains(modelID, "PLLuM") && strings.Contains(modelID, "instruct"):
		return fmt.Sprintf(
			"Poniżej znajduje się instrukcja, która opisuje zadanie. "+
				"Napisz odpowiedź, która odpowiednio odnosi się do instrukcji."+
				"\n\n### Instrukcja:\n%s\n\n### Odpowiedź:",
			prompt,
		)
	case strings.Contains(modelID, "PLLuM") && strings.Contains(modelID, "chat"):
		return fmt.Sprintf("<human>: %s\n<assistant>:", prompt)
	case strings.Contains(modelID, "Mistral"):
		return fmt.Sprintf("<s>[INST] %s [/INST]", prompt)
	default:
		return prompt
	}
}

// Generate makes a single inference call and returns the generated text.
// One attempt, no retries - retry policy belongs to the caller, and the
// dispatcher deliberately performs none.
func (p *PLLuM) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	modelID := ResolveModelID(model)

	prompt := formatPromptForModel(modelID, p.BuildPrompt(req))
	payload := generationPayload{
		Inputs: prompt,
		Parameters: generationParameters{
			MaxNewTokens:   p.config.MaxTokens,
			Temperature:    p.config.Temperature,
			ReturnFullText: false,
			DoSample:       true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error marshaling payload: %w", err)
	}

	if err = p.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	p.logger.InfoContext(
		ctx,
		"sending generation request",
		"model_id", modelID,
		"prompt_length", len(prompt),
		"max_new_tokens", p.config.MaxTokens,
		"temperature", p.config.Temperature,
	)

	started := time.Now()
	data, err := p.post(
		ctx,
		fmt.Sprintf("%s/models/%s", p.config.BaseURL, modelID),
		body,
	)

	var serviceErr *InferenceServiceError
	if errors.As(err, &serviceErr) {
		// The standard endpoint rejects some models; the explicit
		// text-generation task endpoint sometimes accepts them.
		p.logger.WarnContext(
			ctx,
			"standard endpoint rejected request, trying task endpoint",
			"status_code", serviceErr.StatusCode,
			"body", truncate(serviceErr.Body, 500),
		)
		data, err = p.post(
			ctx,
			fmt.Sprintf(
				"%s/pipeline/text-generation/models/%s",
				p.config.BaseURL,
				modelID,
			),
			body,
		)
	}
	if err != nil {
		return "", err
	}

	text, err := parseGeneratedText(data)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"malformed inference response",
			"payload", truncate(string(data), 500),
		)
		return "", err
	}

	p.logger.InfoContext(
		ctx,
		"generation complete",
		"model_id", modelID,
		"elapsed", time.Since(started),
		"response_length", len(text),
	)
	return text, nil
}

func (p *PLLuM) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.Token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &InferenceTransportError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InferenceTransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &InferenceServiceError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}
	return data, nil
}

// parseGeneratedText handles the response shapes the inference API is
// known to return: a list of objects with 'generated_text', a list of
// strings, or a single object with 'generated_text' or 'text'.
func parseGeneratedText(data []byte) (string, error) {
	var asList []json.RawMessage
	if err := json.Unmarshal(data, &asList); err == nil && len(asList) > 0 {
		var obj struct {
			GeneratedText *string `json:"generated_text"`
		}
		if err = json.Unmarshal(asList[0], &obj); err == nil && obj.GeneratedText != nil {
			return strings.TrimSpace(*obj.GeneratedText), nil
		}
		var s string
		if err = json.Unmarshal(asList[0], &s); err == nil {
			return strings.TrimSpace(s), nil
		}
		return "", ErrMalformedResponse
	}

	var obj struct {
		GeneratedText *string `json:"generated_text"`
		Text          *string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.GeneratedText != nil {
			return strings.TrimSpace(*obj.GeneratedText), nil
		}
		if obj.Text != nil {
			return strings.TrimSpace(*obj.Text), nil
		}
	}
	return "", ErrMalformedResponse
}

func (p *PLLuM) waitOnRequestLimiter(ctx context.Context) error {
	if err := p.requestLimiter.Wait(ctx); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error waiting on request limiter",
			tint.Err(err),
		)
		return &InferenceTransportError{Err: err}
	}
	return nil
}
