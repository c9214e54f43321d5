package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/pkg/config"

	"github.com/Role1776/gigago"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const gigaChatModel = "GigaChat"

const extractionInstruction = `You read financial documents (receipts, invoices, bills) sent to a company inbox.
You always answer with a single JSON object and nothing else.
Amounts are numbers without currency symbols. Currencies are ISO 4217 codes. Dates are YYYY-MM-DD.
If a field is not present in the document, omit it.`

// GigaChatClient talks to GigaChat for completions through gigago and for file
// upload and vision through the REST API, which gigago does not cover.
type GigaChatClient struct {
	client     *gigago.Client
	model      *gigago.GenerativeModel
	config     *config.GigaChatConfig
	logger     *zap.Logger
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
}

func NewGigaChatClient(ctx context.Context, cfg *config.GigaChatConfig, logger *zap.Logger) (*GigaChatClient, error) {
	opts := []gigago.Option{
		gigago.WithCustomScope(cfg.Scope),
	}
	httpClient := &http.Client{Timeout: apperr.TimeoutExternalAPI}
	if cfg.InsecureSkipVerify {
		opts = append(opts, gigago.WithCustomInsecureSkipVerify(true))
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		logger.Warn("GigaChat TLS certificate verification is disabled")
	}

	client, err := gigago.NewClient(ctx, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GigaChat client: %w", err)
	}

	model := client.GenerativeModel(gigaChatModel)
	model.SystemInstruction = extractionInstruction
	model.Temperature = 0.1

	return &GigaChatClient{
		client:     client,
		model:      model,
		config:     cfg,
		logger:     logger,
		httpClient: httpClient,
	}, nil
}

// Complete sends a single user prompt and returns the first choice.
func (c *GigaChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.model.Generate(ctx, []gigago.Message{
		{Role: gigago.RoleUser, Content: prompt},
	})
	if err != nil {
		return "", apperr.Network("gigachat generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.CategoryRetryable, "gigachat generate", fmt.Errorf("no response from LLM"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ReadDocument uploads the file and asks the vision model to transcribe it.
func (c *GigaChatClient) ReadDocument(ctx context.Context, data []byte, fileName, mimetype string) (string, error) {
	fileID, err := c.uploadFile(ctx, data, fileName, mimetype)
	if err != nil {
		return "", err
	}
	return c.vision(ctx, fileID, visionPrompt)
}

const visionPrompt = `Transcribe all text of this financial document.
Return only the text that appears in the document, keeping tables as rows.
If the document is empty or unreadable, return an empty string.`

func (c *GigaChatClient) token(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && !refresh {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("scope", c.config.Scope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.OAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create OAuth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.New().String())
	// the key is issued already Base64-encoded
	req.Header.Set("Authorization", "Basic "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Network("gigachat oauth", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := apperr.FromStatus("gigachat oauth", resp.StatusCode, string(body)); err != nil {
		return "", err
	}

	var oauthResp struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &oauthResp); err != nil {
		return "", fmt.Errorf("failed to decode OAuth response: %w", err)
	}
	if oauthResp.AccessToken == "" {
		return "", apperr.Unauthorized("gigachat oauth", fmt.Errorf("empty access token in OAuth response"))
	}

	c.accessToken = oauthResp.AccessToken
	return c.accessToken, nil
}

// do sends an authorized request, refreshing the token once on 401. build is called
// again for the retry since request bodies are single-use.
func (c *GigaChatClient) do(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperr.Network(op, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.logger.Info("GigaChat token rejected, refreshing", zap.String("op", op))
			continue
		}
		if err := apperr.FromStatus(op, resp.StatusCode, string(body)); err != nil {
			return nil, err
		}
		if readErr != nil {
			return nil, apperr.Network(op, readErr)
		}
		return body, nil
	}
}

func (c *GigaChatClient) uploadFile(ctx context.Context, data []byte, fileName, mimetype string) (string, error) {
	body, err := c.do(ctx, "gigachat upload", func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		// "general" makes the file usable as a chat attachment
		if err := w.WriteField("purpose", "general"); err != nil {
			return nil, err
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", mimetype)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/files", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var uploadResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &uploadResp); err != nil || uploadResp.ID == "" {
		return "", apperr.New(apperr.CategoryRetryable, "gigachat upload", fmt.Errorf("unexpected upload response: %s", body))
	}
	c.logger.Debug("File uploaded to GigaChat", zap.String("file_id", uploadResp.ID))
	return uploadResp.ID, nil
}

func (c *GigaChatClient) vision(ctx context.Context, fileID, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model": gigaChatModel,
		"messages": []map[string]any{{
			"role":        "user",
			"content":     prompt,
			"attachments": []string{fileID},
		}},
		"temperature": 0.1,
		"stream":      false,
	})
	if err != nil {
		return "", err
	}

	body, err := c.do(ctx, "gigachat vision", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var visionResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &visionResp); err != nil {
		return "", fmt.Errorf("failed to decode vision response: %w", err)
	}
	if len(visionResp.Choices) == 0 {
		return "", apperr.New(apperr.CategoryRetryable, "gigachat vision", fmt.Errorf("no response from vision API"))
	}
	return strings.TrimSpace(visionResp.Choices[0].Message.Content), nil
}

func (c *GigaChatClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
