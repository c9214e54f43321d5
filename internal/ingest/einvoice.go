package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"inbox-pipeline/internal/apperr"

	"github.com/google/uuid"
)

// EInvoiceNotice announces a document received over the e-invoicing network.
type EInvoiceNotice struct {
	DocumentID  string `json:"documentId"`
	SenderID    string `json:"senderId"`
	SenderEmail string `json:"senderEmail"`
	Filename    string `json:"filename"`
}

func ParseEInvoiceNotice(body []byte) (*EInvoiceNotice, error) {
	var n EInvoiceNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperr.Validation("parse e-invoice notice", err)
	}
	if strings.TrimSpace(n.DocumentID) == "" {
		return nil, apperr.Validationf("parse e-invoice notice", "missing documentId")
	}
	return &n, nil
}

// EInvoice fetches rendered documents from the access point.
type EInvoice struct {
	dl      *Downloader
	baseURL string
	token   string
}

func NewEInvoice(dl *Downloader, baseURL, token string) *EInvoice {
	return &EInvoice{dl: dl, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (e *EInvoice) Fetch(ctx context.Context, teamID uuid.UUID, n EInvoiceNotice) (*Attachment, error) {
	if e.baseURL == "" {
		return nil, apperr.Validationf("e-invoice download", "no access point configured")
	}

	file, err := e.dl.get(ctx, "e-invoice download",
		fmt.Sprintf("%s/documents/%s/download", e.baseURL, url.PathEscape(n.DocumentID)), e.token)
	if err != nil {
		return nil, err
	}

	mime := DetectMimetype(file.data, file.contentType)
	name := WithExtension(SanitizeFileName(firstNonEmpty(n.Filename, "einvoice_"+n.DocumentID)), mime)

	a := &Attachment{
		TeamID:      teamID,
		Data:        file.data,
		Mimetype:    mime,
		Filename:    name,
		ReferenceID: "einvoice_" + n.DocumentID,
		SourceMetadata: map[string]any{
			"source":   "einvoice",
			"senderId": n.SenderID,
		},
	}
	if n.SenderEmail != "" {
		email := strings.ToLower(n.SenderEmail)
		a.SenderEmail = &email
	}
	return a, nil
}
