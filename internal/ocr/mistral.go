package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "pixtral-large-latest"
)

// MistralOCR extracts text from PDFs using the Mistral OCR API. The API
// returns all pages in one response, so results are memoized per path and
// page access slices into the cached response.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client

	mu    sync.Mutex
	pages map[string][]string
}

// NewMistralOCR creates a MistralOCR extractor. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	return &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{},
		pages:    make(map[string][]string),
	}
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// ExtractText OCRs the whole document and returns the pages joined.
func (m *MistralOCR) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	pages, err := m.documentPages(ctx, pdfPath)
	if err != nil {
		return "", err
	}
	return strings.Join(pages, "\n\n"), nil
}

// ExtractPage returns the markdown of a single page from the cached
// document response.
func (m *MistralOCR) ExtractPage(ctx context.Context, pdfPath string, page int) (string, error) {
	pages, err := m.documentPages(ctx, pdfPath)
	if err != nil {
		return "", err
	}
	if page < 1 || page > len(pages) {
		return "", eris.Errorf("ocr: page %d out of range for %s (%d pages)", page, pdfPath, len(pages))
	}
	return pages[page-1], nil
}

// PageCount returns the number of pages in the OCR response.
func (m *MistralOCR) PageCount(ctx context.Context, pdfPath string) (int, error) {
	pages, err := m.documentPages(ctx, pdfPath)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

func (m *MistralOCR) documentPages(ctx context.Context, pdfPath string) ([]string, error) {
	m.mu.Lock()
	cached, ok := m.pages[pdfPath]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: read PDF %s", pdfPath)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	reqBody := mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + encoded,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: marshal mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, eris.Wrap(err, "ocr: unmarshal mistral response")
	}

	pages := make([]string, len(ocrResp.Pages))
	for i, page := range ocrResp.Pages {
		pages[i] = page.Markdown
	}

	m.mu.Lock()
	m.pages[pdfPath] = pages
	m.mu.Unlock()

	return pages, nil
}
