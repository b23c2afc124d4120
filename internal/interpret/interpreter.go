// Package interpret turns free-text scenario instructions into structured
// browser actions by asking an OpenAI-compatible chat model. Interpretation
// is stateless: every step sends the instruction together with the current
// page HTML (and optionally a screenshot), never any prior conversation.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rere-dev/aspagent/internal/config"
	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/types"
)

// maxPageHTML caps how much of the page source goes into the prompt.
const maxPageHTML = 30000

const systemPrompt = `あなたはアフィリエイトASP管理画面を操作するブラウザ自動化アシスタントです。
与えられた指示と現在のページHTMLから、次に実行すべきブラウザ操作をJSONで返してください。

利用可能なアクション:
- {"action":"navigate","url":"..."}
- {"action":"click","selector":"..."} セレクタはCSS。テキストで指定する場合は "text=ログイン" の形式
- {"action":"fill","selector":"...","value":"..."} 認証情報は {SECRET:KEY} プレースホルダをそのまま使うこと
- {"action":"hover","selector":"..."}
- {"action":"scroll","pixels":500}
- {"action":"wait","duration_ms":2000}
- {"action":"keyboard","key":"Enter"}
- {"action":"screenshot"}
- {"action":"select","selector":"...","value":"..."}
- {"action":"download","selector":"..."}
- {"action":"extract","selector":"...","target":"daily"} 報酬テーブルの抽出。targetは daily か monthly
- {"action":"extract_csv","path":"","date_column":0,"amount_column":1} ダウンロード済みCSVの抽出

単一のアクション、または複数ステップが必要な場合はアクションの配列を返してください。
JSON以外の説明文は一切出力しないでください。`

// Client calls the chat completions endpoint. Separated for tests.
type Client interface {
	Complete(ctx context.Context, messages []map[string]any) (string, error)
}

type restyClient struct {
	http  *resty.Client
	model string
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newRestyClient(cfg config.LLMConfig) *restyClient {
	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	httpClient.SetAuthToken(cfg.APIKey)
	httpClient.SetTimeout(time.Duration(cfg.TimeoutMS) * time.Millisecond)
	return &restyClient{http: httpClient, model: cfg.Model}
}

func (c *restyClient) Complete(ctx context.Context, messages []map[string]any) (string, error) {
	var result chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"model":       c.model,
			"messages":    messages,
			"temperature": 0,
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("model returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil && result.Error.Message != "" {
		return "", fmt.Errorf("model error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	choice := result.Choices[0]
	// safety-blocked responses come back with no usable content
	if choice.FinishReason == "content_filter" {
		return "", nil
	}
	return choice.Message.Content, nil
}

// Interpreter maps one instruction to one or more actions.
type Interpreter struct {
	client Client
}

func New(cfg config.LLMConfig) *Interpreter {
	return &Interpreter{client: newRestyClient(cfg)}
}

// NewWithClient is for tests.
func NewWithClient(c Client) *Interpreter {
	return &Interpreter{client: c}
}

// Request carries the per-step context handed to the model.
type Request struct {
	Instruction      string
	PageHTML         string
	ScreenshotBase64 string
}

// Interpret asks the model for the actions realizing the instruction. When
// the response is blocked or empty and a screenshot was attached, the call
// is retried once without the image. A reply that cannot be parsed as
// actions yields a single error action rather than a Go error; transport
// failures wrap types.ErrInterpretation.
func (i *Interpreter) Interpret(ctx context.Context, req Request) ([]types.Action, error) {
	logger := log.LoggerFromContext(ctx)

	content, err := i.client.Complete(ctx, buildMessages(req, true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInterpretation, err)
	}
	if content == "" && req.ScreenshotBase64 != "" {
		logger.Warn("empty or blocked model response, retrying without screenshot",
			slog.String("instruction", req.Instruction))
		content, err = i.client.Complete(ctx, buildMessages(req, false))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrInterpretation, err)
		}
	}
	if content == "" {
		return nil, fmt.Errorf("%w: model returned no content for %q", types.ErrInterpretation, req.Instruction)
	}

	actions, perr := ParseActions(content)
	if perr != nil {
		logger.Warn("unparseable model response",
			slog.String("instruction", req.Instruction), slog.String("error", perr.Error()))
		return []types.Action{{
			Type:    types.ActionError,
			Message: fmt.Sprintf("could not parse model response: %v", perr),
		}}, nil
	}
	return actions, nil
}

func buildMessages(req Request, withImage bool) []map[string]any {
	html := truncateHTML(req.PageHTML, maxPageHTML)
	text := fmt.Sprintf("指示: %s\n\n現在のページHTML:\n%s", req.Instruction, html)

	user := map[string]any{"role": "user", "content": text}
	if withImage && req.ScreenshotBase64 != "" {
		user["content"] = []map[string]any{
			{"type": "text", "text": text},
			{"type": "image_url", "image_url": map[string]any{
				"url": "data:image/png;base64," + req.ScreenshotBase64,
			}},
		}
	}
	return []map[string]any{
		{"role": "system", "content": systemPrompt},
		user,
	}
}

// truncateHTML cuts the page context down to max bytes without splitting a
// multibyte rune; pages here are mostly Japanese.
func truncateHTML(html string, max int) string {
	if len(html) <= max {
		return html
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(html[cut]) {
		cut--
	}
	return html[:cut]
}

// ParseActions decodes the model reply: markdown fences are stripped,
// malformed JSON is repaired, and both a single action object and an array
// of actions are accepted.
func ParseActions(content string) ([]types.Action, error) {
	cleaned := stripFences(content)
	if cleaned == "" {
		return nil, fmt.Errorf("empty response")
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		repaired = cleaned
	}

	var many []types.Action
	if err := json.Unmarshal([]byte(repaired), &many); err == nil {
		return validateActions(many)
	}
	var one types.Action
	if err := json.Unmarshal([]byte(repaired), &one); err != nil {
		return nil, fmt.Errorf("not valid action JSON: %w", err)
	}
	return validateActions([]types.Action{one})
}

func validateActions(actions []types.Action) ([]types.Action, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions in response")
	}
	for _, a := range actions {
		if a.Type == "" {
			return nil, fmt.Errorf("action without a type")
		}
	}
	return actions, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
