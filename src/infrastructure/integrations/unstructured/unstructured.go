package unstructured

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"docrag/src/infrastructure/log"
)

// DefaultLanguages are the tesseract languages requested for OCR.
const DefaultLanguages = "spa,eng"

type UnstructuredService struct {
	baseURL    string
	httpClient *http.Client
	languages  []string
}

type UnstructuredElement struct {
	Type      string   `json:"type"`
	Text      string   `json:"text"`
	ElementID string   `json:"element_id"`
	Metadata  Metadata `json:"metadata"`
}

type Metadata struct {
	Filename   string `json:"filename,omitempty"`
	Filetype   string `json:"filetype,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
}

// StatusError is a non-200 answer of the Unstructured API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unstructured service error: %d %s", e.StatusCode, e.Body)
}

func NewUnstructuredService(baseURL string, c *http.Client) *UnstructuredService {
	if c == nil {
		c = &http.Client{}
	}
	return &UnstructuredService{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: c,
		languages:  strings.Split(DefaultLanguages, ","),
	}
}

// Recognize runs OCR on a PNG image and returns the recognised text, one
// element per line.
func (s *UnstructuredService) Recognize(ctx context.Context, filename string, png []byte) (string, error) {
	if filename == "" {
		filename = "image.png"
	}
	elements, err := s.partition(ctx, strings.TrimSuffix(filename, filepath.Ext(filename))+".png", png)
	if err != nil {
		return "", err
	}

	lines := make([]string, 0, len(elements))
	for _, el := range elements {
		if t := strings.TrimSpace(el.Text); t != "" {
			lines = append(lines, t)
		}
	}
	log.Debug("ocr finished", "filename", filename, "elements", len(elements))
	return strings.Join(lines, "\n"), nil
}

func (s *UnstructuredService) partition(ctx context.Context, filename string, content []byte) ([]UnstructuredElement, error) {
	var requestBody bytes.Buffer
	multipartWriter := multipart.NewWriter(&requestBody)

	// Create form file
	fileWriter, err := multipartWriter.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %v", err)
	}

	// Write file content
	if _, err = io.Copy(fileWriter, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to write file content: %v", err)
	}

	// Write additional fields
	if err := multipartWriter.WriteField("strategy", "ocr_only"); err != nil {
		return nil, fmt.Errorf("failed to write strategy: %v", err)
	}
	for _, lang := range s.languages {
		if err := multipartWriter.WriteField("languages", lang); err != nil {
			return nil, fmt.Errorf("failed to write languages: %v", err)
		}
	}
	if err := multipartWriter.WriteField("output_format", "application/json"); err != nil {
		return nil, fmt.Errorf("failed to write output format: %v", err)
	}

	multipartWriter.Close()

	// Create request
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/general/v0/general", &requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	// Set headers
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", multipartWriter.FormDataContentType())

	// Send request
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// Parse response
	var elements []UnstructuredElement
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v", err)
	}

	return elements, nil
}
