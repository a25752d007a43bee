package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrorClass 外部呼び出しエラーの分類
type ErrorClass int

const (
	// ClassTransient はリトライ可能（タイムアウト、レート制限、5xx）
	ClassTransient ErrorClass = iota
	// ClassFatal はリトライしても無駄（認証失敗、存在しないデプロイ、接続拒否）
	ClassFatal
)

func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// ErrNotConfigured 認証情報が設定されていない
var ErrNotConfigured = errors.New("azure openai client is not configured")

// OpenAIClient はAzure OpenAIのチャット補完を呼び出します。
type OpenAIClient struct {
	client         *openai.Client
	deploymentName string
	model          string
	limiter        *rate.Limiter
	configured     bool
}

// Options クライアントの追加設定
type Options struct {
	APIVersion        string
	DeploymentName    string
	Model             string
	RequestsPerSecond float64
}

// NewOpenAIClient は新しいAzure OpenAIクライアントを作成します。
// 認証情報の形式が不正な場合も生成は成功し、Configured() が false を返します。
func NewOpenAIClient(endpoint, apiKey string, opts Options) *OpenAIClient {
	c := &OpenAIClient{
		deploymentName: opts.DeploymentName,
		model:          opts.Model,
		configured:     ValidCredentials(endpoint, apiKey),
	}
	if c.model == "" {
		c.model = c.deploymentName
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)

	if !c.configured {
		return c
	}

	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	if opts.APIVersion != "" {
		cfg.APIVersion = opts.APIVersion
	}
	deployment := opts.DeploymentName
	cfg.AzureModelMapperFunc = func(model string) string {
		if deployment != "" {
			return deployment
		}
		return model
	}
	c.client = openai.NewClientWithConfig(cfg)
	return c
}

// ValidCredentials checks the syntax of the endpoint and key, without any network call.
func ValidCredentials(endpoint, apiKey string) bool {
	key := strings.TrimSpace(apiKey)
	if len(key) < 16 || strings.ContainsAny(key, " \t\n") {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}

// Configured 認証情報が有効な形式かどうか
func (c *OpenAIClient) Configured() bool {
	return c != nil && c.configured
}

// Complete はシステムプロンプトとユーザープロンプトでチャット補完を実行し、本文を返します。
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.2,
		MaxTokens:   200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("Azure OpenAI API エラー: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ClassifyError maps an error returned by Complete to transient or fatal.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrNotConfigured) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassFatal
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ClassFatal
	}

	if status := httpStatus(err); status != 0 {
		return classifyStatus(status)
	}
	return ClassTransient
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 408 || status == 409 || status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassFatal
	default:
		return ClassTransient
	}
}
