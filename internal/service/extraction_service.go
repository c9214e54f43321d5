package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
)

// LLM is the model surface the extraction gateway needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
	ReadDocument(ctx context.Context, data []byte, fileName, mimetype string) (string, error)
}

// minTextLayer is the shortest PDF text layer trusted without asking the vision model.
const minTextLayer = 20

// maxPromptText caps the document text sent for field extraction.
const maxPromptText = 12000

// ExtractionService fetches a document by signed URL, reads its text (the PDF text
// layer when there is one, the vision model otherwise) and asks the LLM for the
// structured fields.
type ExtractionService struct {
	llm        LLM
	httpClient *http.Client
	logger     *zap.Logger
}

func NewExtractionService(llm LLM, httpClient *http.Client, logger *zap.Logger) *ExtractionService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apperr.TimeoutFileTransfer}
	}
	return &ExtractionService{
		llm:        llm,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (s *ExtractionService) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	data, err := s.download(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	text, method, err := s.readText(ctx, data, fileNameFromURL(req.URL), req.Mimetype)
	if err != nil {
		return nil, err
	}
	text = sanitizeUTF8(strings.TrimSpace(text))

	s.logger.Info("Document text read",
		zap.String("mimetype", req.Mimetype),
		zap.String("method", method),
		zap.Int("text_length", len(text)),
	)

	if text == "" {
		return nil, apperr.Validationf("extract document", "no text found in document")
	}

	content, err := s.llm.Complete(ctx, buildExtractionPrompt(text, req.CompanyName))
	if err != nil {
		return nil, fmt.Errorf("failed to extract fields: %w", err)
	}

	var result ExtractResult
	if err := decodeJSONObject(content, &result); err != nil {
		return nil, apperr.New(apperr.CategoryRetryable, "extract document", fmt.Errorf("failed to parse model output: %w", err))
	}
	normalizeExtraction(&result)
	if result.Content == nil {
		result.Content = &text
	}
	return &result, nil
}

// Classify asks the model for a handful of lowercase tags describing the document.
func (s *ExtractionService) Classify(ctx context.Context, content string) ([]string, error) {
	content = truncate(sanitizeUTF8(content), maxPromptText)
	reply, err := s.llm.Complete(ctx, fmt.Sprintf(`Classify this document. Return a JSON object {"tags": [...]} with at most 5 short lowercase tags
such as "travel", "software", "office-supplies", "utilities", "meals".

Document:
%s`, content))
	if err != nil {
		return nil, fmt.Errorf("failed to classify document: %w", err)
	}

	var out struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSONObject(reply, &out); err != nil {
		return nil, apperr.New(apperr.CategoryRetryable, "classify document", fmt.Errorf("failed to parse model output: %w", err))
	}

	tags := make([]string, 0, len(out.Tags))
	seen := make(map[string]bool, len(out.Tags))
	for _, t := range out.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags, nil
}

func (s *ExtractionService) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Validation("download document", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Network("download document", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.FromStatus("download document", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network("download document", err)
	}
	return data, nil
}

func (s *ExtractionService) readText(ctx context.Context, data []byte, fileName, mimetype string) (string, string, error) {
	if mimetype == "application/pdf" {
		text, err := pdfText(data)
		if err != nil {
			s.logger.Warn("Failed to read PDF text layer, falling back to vision", zap.Error(err))
		} else if len(strings.TrimSpace(text)) >= minTextLayer {
			return text, "go-fitz", nil
		}
	}

	text, err := s.llm.ReadDocument(ctx, data, fileName, mimetype)
	if err != nil {
		return "", "", fmt.Errorf("failed to read document with vision model: %w", err)
	}
	return text, "vision", nil
}

func pdfText(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		pageText, err := doc.Text(i)
		if err != nil {
			continue
		}
		if pageText != "" {
			sb.WriteString(pageText)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func buildExtractionPrompt(text, companyName string) string {
	var hint string
	if companyName != "" {
		hint = fmt.Sprintf("The document was received by %q. The vendor is the other party, never %q.\n", companyName, companyName)
	}
	return fmt.Sprintf(`%sExtract these fields from the document below and return them as one JSON object:
documentType ("invoice" for a bill to be paid later, "expense" for a receipt of a completed payment, "other" for anything that is not a financial document),
amount (the total), currency, date (invoice date or purchase date), vendorName, invoiceNumber,
taxAmount, taxRate (percent), taxType ("vat", "sales_tax", "gst"), website (vendor domain), title, summary (one sentence), language.

Document:
%s`, hint, truncate(text, maxPromptText))
}

// decodeJSONObject parses the first JSON object in a model reply, tolerating markdown
// fences and surrounding prose.
func decodeJSONObject(content string, v any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end < start {
		return fmt.Errorf("no JSON object in reply: %q", truncate(content, 200))
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}

func normalizeExtraction(r *ExtractResult) {
	switch r.DocumentType {
	case models.DocumentTypeInvoice, models.DocumentTypeExpense, models.DocumentTypeOther:
	default:
		r.DocumentType = models.DocumentTypeExpense
	}
	if r.Currency != nil {
		c := strings.ToUpper(strings.TrimSpace(*r.Currency))
		if len(c) != 3 {
			r.Currency = nil
		} else {
			r.Currency = &c
		}
	}
	if r.Website != nil {
		w := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(*r.Website), "https://"), "http://")
		w = strings.TrimPrefix(strings.TrimSuffix(w, "/"), "www.")
		r.Website = &w
	}
}

func fileNameFromURL(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Base(p)
}
