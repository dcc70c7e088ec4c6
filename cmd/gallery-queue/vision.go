package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// wallpaperCategories is the fixed vocabulary the model must choose from.
var wallpaperCategories = []string{
	"Abstract", "Aesthetic", "AI Art", "Airplanes", "Animals", "Anime",
	"Architecture", "Art", "Astronomy", "Backgrounds", "Beach",
	"Biology", "Business", "Cars", "Cartoons", "Celebrities",
	"City", "Cityscape", "Clouds", "Computers", "Concept Art",
	"Creative", "Cyberpunk", "Dark", "Design", "Digital Art",
	"Education", "Fantasy", "Fashion", "Film", "Flowers",
	"Food", "Forest", "Futuristic", "Gaming", "Geometric",
	"Gradients", "Graphics", "Health", "Holidays", "Home",
	"Icons", "Illustrations", "Industrial", "Interiors",
	"Landscape Photography", "Landscapes", "Lifestyle", "Love",
	"Macro", "Minimal", "Mountains", "Music", "Nature",
	"Neon", "Night", "Ocean", "Patterns", "People",
	"Pets", "Photography", "Portraits", "Quotes",
	"Retro", "Robotics", "Sci-Fi", "Seasons", "Sky",
	"Social Media", "Space", "Sports", "Street",
	"Street Photography", "Surreal", "Technology",
	"Textures", "Time-lapse", "Travel", "Typography",
	"Underwater", "Urban", "Vector", "Vehicles",
	"Vintage", "Water", "Waterfalls", "Weather",
	"Wildlife", "Winter", "Woods", "Zen",
}

var modelPriorities = []string{
	"gemini-1.5-flash",
	"gemini-1.5-flash-8b",
	"gemini-1.5-flash-001",
	"gemini-1.5-flash-002",
	"gemini-1.5-pro",
}

type upstreamKind int

const (
	upstreamOther upstreamKind = iota
	upstreamQuota
	upstreamUnavailable
	upstreamModelGone
	upstreamPolicy
)

// upstreamError classifies one failed call against the vision API. The kind
// is decided from the HTTP status code and structured response fields, never
// from free-text matching.
type upstreamError struct {
	kind       upstreamKind
	status     int
	msg        string
	retryAfter time.Duration
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("vision upstream: status=%d %s", e.status, e.msg)
}

// recognizer calls the multimodal vision API to classify an image. It owns a
// pool of API keys and rotates among them to survive per-key quota limits.
// Only the queue worker goroutine calls Analyze, so rotation state needs no
// lock.
type recognizer struct {
	keys         []string
	keyIndex     int
	successCount int
	rotateAfter  int

	backoffDefault time.Duration
	maxElapsed     time.Duration

	baseURL      string
	model        string // resolved lazily; cleared when the upstream reports it gone
	defaultModel string

	httpClient *http.Client
	sleep      func(time.Duration)
	now        func() time.Time
}

func newRecognizer(cfg config) *recognizer {
	seen := make(map[string]struct{}, len(cfg.geminiKeys))
	keys := make([]string, 0, len(cfg.geminiKeys))
	for _, k := range cfg.geminiKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		logger.Warn("no vision api keys configured, analyze tasks will fail")
	}
	rotateAfter := cfg.rotateAfter
	if rotateAfter <= 0 {
		rotateAfter = 4
	}
	return &recognizer{
		keys:           keys,
		rotateAfter:    rotateAfter,
		backoffDefault: cfg.backoffDefault,
		maxElapsed:     cfg.retryMaxElapsed,
		baseURL:        strings.TrimRight(cfg.geminiBaseURL, "/"),
		defaultModel:   cfg.geminiModel,
		httpClient:     &http.Client{Timeout: 90 * time.Second},
		sleep:          time.Sleep,
		now:            time.Now,
	}
}

func (r *recognizer) activeKey() string {
	return r.keys[r.keyIndex]
}

// rotate advances to the next key. With a single key the pool degrades to
// single-key mode and rotation is a no-op.
func (r *recognizer) rotate() {
	if len(r.keys) < 2 {
		return
	}
	r.keyIndex = (r.keyIndex + 1) % len(r.keys)
	r.successCount = 0
	metricKeyRotations.Inc()
	logger.Info("rotated vision api key", "key_index", r.keyIndex)
}

// Analyze classifies the image at path. Transient upstream failures are
// retried internally through key rotation and back-off; the call returns only
// on success, on a terminal failure, or once the retry budget is spent. On a
// content-policy rejection the file at path is deleted before returning and
// the error is marked critical.
func (r *recognizer) Analyze(path string) (map[string]any, error) {
	if len(r.keys) == 0 {
		return nil, &taskError{Code: errCodeNoCredentials}
	}
	if r.successCount >= r.rotateAfter {
		r.rotate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &taskError{Code: errCodeFileMissing, cause: err}
	}

	deadline := r.now().Add(r.maxElapsed)
	triedInSession := 0
	for {
		text, uerr := r.generateContent(raw, mimeTypeForFile(path))
		if uerr == nil {
			data, perr := extractJSONObject(text)
			if perr != nil {
				// A parse failure reflects a model output bug; rotating
				// credentials will not fix it.
				return nil, &taskError{Code: errCodeMalformed, cause: perr}
			}
			r.successCount++
			return data, nil
		}

		switch uerr.kind {
		case upstreamPolicy:
			removeIfExists(path)
			logger.Warn("image rejected by safety policy, source deleted", "path", path, "detail", uerr.msg)
			return nil, &taskError{Code: errCodeSafetyBlocked, Critical: true, cause: uerr}
		case upstreamQuota, upstreamUnavailable, upstreamModelGone:
			if uerr.kind == upstreamModelGone {
				r.model = "" // re-resolve on the next attempt
			}
			logger.Warn("transient vision api failure, rotating key",
				"status", uerr.status,
				"key_index", r.keyIndex,
			)
			r.rotate()
			triedInSession++
			if triedInSession >= max(1, len(r.keys)) {
				wait := uerr.retryAfter
				if wait <= 0 {
					wait = r.backoffDefault
				}
				if r.now().Add(wait).After(deadline) {
					return nil, &taskError{Code: errCodeExhausted, cause: uerr}
				}
				logger.Warn("all vision api keys exhausted, backing off", "wait", wait.String())
				metricBackoffSleeps.Inc()
				r.sleep(wait)
				triedInSession = 0
			}
		default:
			return nil, &taskError{Code: errCodeAnalysisFailed, cause: uerr}
		}
	}
}

func (r *recognizer) modelName() string {
	if r.model == "" {
		r.model = r.resolveModel()
	}
	return r.model
}

// resolveModel asks the upstream catalog for available models and picks the
// first match from the priority list. The catalog changes over time, so the
// configured default is only a fallback.
func (r *recognizer) resolveModel() string {
	req, err := http.NewRequest(http.MethodGet, r.baseURL+"/v1beta/models", nil)
	if err != nil {
		return r.defaultModel
	}
	req.Header.Set("x-goog-api-key", r.activeKey())
	resp, err := r.httpClient.Do(req)
	if err != nil {
		logger.Warn("model catalog lookup failed", "error", err)
		return r.defaultModel
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return r.defaultModel
	}

	var parsed struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return r.defaultModel
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				names = append(names, strings.TrimPrefix(m.Name, "models/"))
				break
			}
		}
	}
	for _, p := range modelPriorities {
		for _, name := range names {
			if strings.Contains(name, p) {
				return name
			}
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return r.defaultModel
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
		MaxOutputTokens  int    `json:"maxOutputTokens"`
	} `json:"generationConfig"`
	SafetySettings []geminiSafetySetting `json:"safetySettings"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		SafetyRatings []struct {
			Category    string `json:"category"`
			Probability string `json:"probability"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type googleAPIError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func analysisPrompt() string {
	return fmt.Sprintf(`Analyze this image. Select the best category from: %s

Return a valid JSON object. Do not use Markdown.
IMPORTANT: Analyze the actual image pixels to provide a good visual description. Do not hallucinate based on filename.
Structure:
{
    "category": "Selected Category from the list",
    "name": "A creative title, don't make it too long (4 to 6 words)",
    "description": "A short, engaging description, don't make it too long (10 to 15 words)",
    "keywords": "k1 k2...",
    "color": "Color"
}`, strings.Join(wallpaperCategories, ", "))
}

func defaultSafetySettings() []geminiSafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]geminiSafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, geminiSafetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"})
	}
	return settings
}

// generateContent performs one classification call with the active key.
func (r *recognizer) generateContent(image []byte, mimeType string) (string, *upstreamError) {
	var reqBody geminiRequest
	reqBody.Contents = append(reqBody.Contents, struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: []geminiPart{
		{Text: analysisPrompt()},
		{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
	}})
	reqBody.GenerationConfig.ResponseMimeType = "application/json"
	reqBody.GenerationConfig.MaxOutputTokens = 4000
	reqBody.SafetySettings = defaultSafetySettings()

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", &upstreamError{kind: upstreamOther, msg: err.Error()}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", r.baseURL, r.modelName())
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", &upstreamError{kind: upstreamOther, msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", r.activeKey())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", &upstreamError{kind: upstreamUnavailable, msg: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &upstreamError{kind: upstreamUnavailable, msg: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp, body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &upstreamError{kind: upstreamOther, status: resp.StatusCode, msg: err.Error()}
	}

	if parsed.PromptFeedback.BlockReason != "" {
		return "", &upstreamError{kind: upstreamPolicy, status: resp.StatusCode, msg: parsed.PromptFeedback.BlockReason}
	}
	if len(parsed.Candidates) == 0 {
		return "", &upstreamError{kind: upstreamOther, status: resp.StatusCode, msg: "no candidates in response"}
	}
	candidate := parsed.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		reasons := make([]string, 0, len(candidate.SafetyRatings))
		for _, rating := range candidate.SafetyRatings {
			if rating.Probability == "HIGH" || rating.Probability == "MEDIUM" {
				reasons = append(reasons, fmt.Sprintf("%s: %s", rating.Category, rating.Probability))
			}
		}
		detail := strings.Join(reasons, ", ")
		if detail == "" {
			detail = "unspecified safety violation"
		}
		return "", &upstreamError{kind: upstreamPolicy, status: resp.StatusCode, msg: detail}
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

// classifyHTTPError maps a non-200 response into the typed taxonomy.
func classifyHTTPError(resp *http.Response, body []byte) *upstreamError {
	uerr := &upstreamError{status: resp.StatusCode}

	var apiErr googleAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		uerr.msg = apiErr.Error.Message
		for _, d := range apiErr.Error.Details {
			if !strings.HasSuffix(d.Type, "RetryInfo") || d.RetryDelay == "" {
				continue
			}
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
				uerr.retryAfter = delay + 2*time.Second
			}
		}
	}
	if uerr.retryAfter <= 0 {
		if secs := parsePositiveInt(resp.Header.Get("Retry-After"), 0); secs > 0 {
			uerr.retryAfter = time.Duration(secs) * time.Second
		}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		uerr.kind = upstreamQuota
	case http.StatusNotFound:
		uerr.kind = upstreamModelGone
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		uerr.kind = upstreamUnavailable
	default:
		uerr.kind = upstreamOther
	}
	return uerr
}

// extractJSONObject pulls the first JSON object out of the model text. The
// model is not fully reliable about emitting only JSON, so everything before
// the first brace and after the last one is dropped. Keys are lower-cased.
func extractJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object found in response")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		data[strings.ToLower(k)] = v
	}
	return data, nil
}
