package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// generator calls the image-generation API. Unlike classification there is no
// internal retry here: generation failures are recorded on the task and the
// caller decides whether to resubmit.
type generator struct {
	apiKey     string
	model      string
	baseURL    string
	tempDir    string
	httpClient *http.Client
	now        func() time.Time
}

func newGenerator(cfg config) *generator {
	key := ""
	if len(cfg.geminiKeys) > 0 {
		key = strings.TrimSpace(cfg.geminiKeys[0])
	}
	return &generator{
		apiKey:     key,
		model:      cfg.vertexModel,
		baseURL:    strings.TrimRight(cfg.geminiBaseURL, "/"),
		tempDir:    cfg.tempDir,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		now:        time.Now,
	}
}

type imagenRequest struct {
	Instances []struct {
		Prompt string `json:"prompt"`
	} `json:"instances"`
	Parameters struct {
		SampleCount       int    `json:"sampleCount"`
		AspectRatio       string `json:"aspectRatio"`
		SafetyFilterLevel string `json:"safetyFilterLevel"`
		PersonGeneration  string `json:"personGeneration"`
	} `json:"parameters"`
}

type imagenResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

// Generate renders one image for the prompt and saves it into the temp
// folder. It returns the generated filename relative to that folder.
func (g *generator) Generate(prompt, aspectRatio string, ownerID int64) (string, error) {
	if g.apiKey == "" {
		return "", &taskError{Code: errCodeNoCredentials}
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}

	var reqBody imagenRequest
	reqBody.Instances = append(reqBody.Instances, struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt})
	reqBody.Parameters.SampleCount = 1
	reqBody.Parameters.AspectRatio = aspectRatio
	reqBody.Parameters.SafetyFilterLevel = "block_some"
	reqBody.Parameters.PersonGeneration = "allow_adult"

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", &taskError{Code: errCodeGenerateFailed, cause: err}
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:predict", g.baseURL, g.model)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", &taskError{Code: errCodeGenerateFailed, cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &taskError{Code: errCodeGenerateFailed, cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &taskError{Code: errCodeGenerateFailed, cause: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return "", &taskError{Code: errCodeQuotaExceeded}
	case http.StatusForbidden:
		return "", &taskError{Code: errCodePermissionDenied}
	case http.StatusBadRequest:
		return "", &taskError{Code: errCodeInvalidArgument}
	default:
		return "", &taskError{Code: errCodeGenerateFailed, cause: fmt.Errorf("status=%d", resp.StatusCode)}
	}

	var parsed imagenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &taskError{Code: errCodeMalformed, cause: err}
	}
	// An empty prediction list means the prompt was filtered, not that the
	// service failed.
	if len(parsed.Predictions) == 0 || parsed.Predictions[0].BytesBase64Encoded == "" {
		logger.Warn("image generation returned no images, prompt may have been blocked")
		return "", &taskError{Code: errCodePromptBlocked, Critical: true}
	}

	data, err := base64.StdEncoding.DecodeString(parsed.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return "", &taskError{Code: errCodeMalformed, cause: err}
	}

	filename := fmt.Sprintf("generated_%d_%s.png", ownerID, g.now().Format("20060102150405"))
	path := filepath.Join(g.tempDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &taskError{Code: errCodeGenerateFailed, cause: err}
	}
	logger.Info("generated image saved", "filename", filename, "owner_id", ownerID)
	return filename, nil
}
