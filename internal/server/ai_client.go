package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mira/backend/internal/config"
)

const (
	defaultMaxOutputTokens = 1200
	maxRetryOutputTokens   = 4000
	serverErrorAttempts    = 2
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type AIModelRequest struct {
	Model        string
	SystemPrompt string
	Conversation []ChatTurn
	UserPrompt   string
}

type AIModelResponse struct {
	Answer string
	Model  string
	Usage  AIUsage
}

type AIClient interface {
	Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error)
}

type OpenAIResponsesClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
	logger          *zap.Logger
}

// MockAIClient answers deterministically. Its replies carry the reasoning
// markup and glued table rows that real models leak, so every chat reply
// still goes through the sanitizer in local runs.
type MockAIClient struct {
	Model string
}

func (m MockAIClient) Query(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
	question := strings.TrimSpace(req.UserPrompt)
	if question == "" {
		question = "No question provided."
	}

	sign := "your sign"
	for _, line := range strings.Split(req.SystemPrompt, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), "- Zodiac Sign: "); ok && value != "Unknown" {
			sign = value
			break
		}
	}

	answer := strings.Join([]string{
		"<thinking>The user asked: " + question + "</thinking>",
		"Here is a gentle reading for " + sign + ".",
		"",
		"| Area | Focus |",
		"|---|---| | Love | Listen first | |Work | Finish one thing |",
		"",
		"Treat this as a prompt for reflection, not a prediction.",
	}, "\n")

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "gpt-5-mini"
	}
	return AIModelResponse{
		Answer: answer,
		Model:  model,
		Usage: AIUsage{
			PromptTokens:     120,
			CompletionTokens: 80,
			TotalTokens:      200,
		},
	}, nil
}

func NewOpenAIResponsesClient(cfg config.Config, logger *zap.Logger) *OpenAIResponsesClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 20
	}
	return &OpenAIResponsesClient{
		apiKey:          strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		model:           strings.TrimSpace(cfg.OpenAIModel),
		maxOutputTokens: cfg.AIMaxOutputTokens,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		logger: logger.Named("openai"),
	}
}

type responsesInputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesInputBlock struct {
	Role    string               `json:"role"`
	Content []responsesInputText `json:"content"`
}

func (c *OpenAIResponsesClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return AIModelResponse{}, errors.New("OPENAI_API_KEY is not configured")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return AIModelResponse{}, errors.New("OPENAI_BASE_URL is not configured")
	}
	requestModel := strings.TrimSpace(req.Model)
	if requestModel == "" {
		requestModel = strings.TrimSpace(c.model)
	}
	if requestModel == "" {
		return AIModelResponse{}, errors.New("OPENAI_MODEL is not configured")
	}

	input := buildResponsesInput(req, true)
	if len(input) == 0 {
		return AIModelResponse{}, errors.New("AI request input is empty")
	}
	budget := c.maxOutputTokens
	if budget <= 0 {
		budget = defaultMaxOutputTokens
	}

	statusCode, body, err := c.postWithRetry(ctx, requestModel, input, budget)
	if err != nil {
		return AIModelResponse{}, err
	}
	if statusCode == http.StatusBadRequest && rejectsAssistantTurns(body) && hasAssistantTurn(req.Conversation) {
		c.logger.Info("retrying without assistant turns")
		input = buildResponsesInput(req, false)
		statusCode, body, err = c.postWithRetry(ctx, requestModel, input, budget)
		if err != nil {
			return AIModelResponse{}, err
		}
	}
	if statusCode < 200 || statusCode >= 300 {
		return AIModelResponse{}, fmt.Errorf("openai responses error (%d): %s", statusCode, strings.TrimSpace(string(body)))
	}

	parsed := parseJSONStringMap(body)
	answer := extractResponseAnswer(parsed)
	if answer == "" && isMaxOutputTokenIncomplete(parsed) && budget < maxRetryOutputTokens {
		budget = min(budget*2, maxRetryOutputTokens)
		c.logger.Info("retrying with larger output budget", zap.Int("max_output_tokens", budget))
		statusCode, body, err = c.postWithRetry(ctx, requestModel, input, budget)
		if err != nil {
			return AIModelResponse{}, err
		}
		if statusCode < 200 || statusCode >= 300 {
			return AIModelResponse{}, fmt.Errorf("openai responses error (%d): %s", statusCode, strings.TrimSpace(string(body)))
		}
		parsed = parseJSONStringMap(body)
		answer = extractResponseAnswer(parsed)
	}
	if answer == "" {
		if isMaxOutputTokenIncomplete(parsed) {
			return AIModelResponse{}, errors.New("openai response incomplete due max_output_tokens")
		}
		c.logger.Warn("openai response had no extractable answer", zap.String("body", truncateForLog(string(body), 1200)))
		return AIModelResponse{}, errors.New("openai response answer is empty")
	}

	usage, _ := parsed["usage"].(map[string]any)
	promptTokens := int(extractNumberFromMap(usage, "input_tokens", "prompt_tokens"))
	completionTokens := int(extractNumberFromMap(usage, "output_tokens", "completion_tokens"))
	totalTokens := int(extractNumberFromMap(usage, "total_tokens"))
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}

	modelName := strings.TrimSpace(toString(parsed["model"]))
	if modelName == "" {
		modelName = requestModel
	}

	return AIModelResponse{
		Answer: answer,
		Model:  modelName,
		Usage: AIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	}, nil
}

// postWithRetry repeats the call once when the upstream answers 5xx.
func (c *OpenAIResponsesClient) postWithRetry(ctx context.Context, model string, input []responsesInputBlock, budget int) (int, []byte, error) {
	var (
		statusCode int
		body       []byte
		err        error
	)
	for attempt := 1; attempt <= serverErrorAttempts; attempt++ {
		statusCode, body, err = c.post(ctx, model, input, budget)
		if err != nil || statusCode < http.StatusInternalServerError {
			return statusCode, body, err
		}
		c.logger.Warn("openai upstream error",
			zap.Int("status", statusCode),
			zap.Int("attempt", attempt),
			zap.String("body", truncateForLog(string(body), 300)),
		)
	}
	return statusCode, body, err
}

func (c *OpenAIResponsesClient) post(ctx context.Context, model string, input []responsesInputBlock, budget int) (int, []byte, error) {
	payload := map[string]any{
		"model":             model,
		"input":             input,
		"max_output_tokens": budget,
		"reasoning": map[string]any{
			"effort": "low",
		},
		"text": map[string]any{
			"verbosity": "low",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, nil, err
	}
	return response.StatusCode, body, nil
}

func buildResponsesInput(req AIModelRequest, includeAssistantTurns bool) []responsesInputBlock {
	input := make([]responsesInputBlock, 0, len(req.Conversation)+2)
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		input = append(input, responsesInputBlock{
			Role:    "system",
			Content: []responsesInputText{{Type: "input_text", Text: prompt}},
		})
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		if role == "assistant" && !includeAssistantTurns {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}
		input = append(input, responsesInputBlock{
			Role:    role,
			Content: []responsesInputText{{Type: contentType, Text: content}},
		})
	}
	if prompt := strings.TrimSpace(req.UserPrompt); prompt != "" {
		input = append(input, responsesInputBlock{
			Role:    "user",
			Content: []responsesInputText{{Type: "input_text", Text: prompt}},
		})
	}
	return input
}

func hasAssistantTurn(turns []ChatTurn) bool {
	for _, turn := range turns {
		if strings.EqualFold(strings.TrimSpace(turn.Role), "assistant") {
			return true
		}
	}
	return false
}

func rejectsAssistantTurns(body []byte) bool {
	text := string(body)
	return strings.Contains(text, "Invalid value: 'input_text'") &&
		strings.Contains(text, "Supported values are: 'output_text' and 'refusal'")
}

func extractResponseAnswer(data map[string]any) string {
	if direct := strings.TrimSpace(toString(data["output_text"])); direct != "" {
		return direct
	}

	outputs, ok := data["output"].([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0)
	for _, item := range outputs {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		contentList, ok := block["content"].([]any)
		if !ok {
			continue
		}
		for _, contentItem := range contentList {
			contentMap, ok := contentItem.(map[string]any)
			if !ok {
				continue
			}
			contentType := strings.ToLower(strings.TrimSpace(toString(contentMap["type"])))
			if contentType != "output_text" && contentType != "text" {
				continue
			}
			if text := extractResponseTextValue(contentMap); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func extractResponseTextValue(content map[string]any) string {
	if content == nil {
		return ""
	}
	if text := strings.TrimSpace(toString(content["text"])); text != "" {
		return text
	}
	if textMap, ok := content["text"].(map[string]any); ok {
		if value := strings.TrimSpace(toString(textMap["value"])); value != "" {
			return value
		}
	}
	return strings.TrimSpace(toString(content["output_text"]))
}

func isMaxOutputTokenIncomplete(parsed map[string]any) bool {
	details, ok := parsed["incomplete_details"].(map[string]any)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(toString(details["reason"])), "max_output_tokens")
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func extractNumberFromMap(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}
