// Package voiceprint registers and refreshes speaker voiceprint features
// against the vendor's signed REST API, and keeps the local feature metadata
// in a small file-backed store.
package voiceprint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/auth"
	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/resilience"
)

const (
	registerPath = "/res/feature/v1/register"
	updatePath   = "/res/feature/v1/update"

	// codeSuccess is the API's OK code; anything else is a vendor fault.
	codeSuccess = "000000"

	// AudioTypeRaw is plain PCM16; the API also accepts speex and opus-ogg.
	AudioTypeRaw = "raw"
)

// Config holds the REST endpoint and signing credentials.
type Config struct {
	BaseURL     string
	Credentials auth.Credentials
	Retry       *resilience.RetryConfig
	HTTPClient  *http.Client
}

// Registration is the decoded outcome of a register or update call.
type Registration struct {
	FeatureID string
	Status    int
	SID       string
	Code      string
	Desc      string
}

// apiResponse is the wire shape; Data is a nested JSON string.
type apiResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data string `json:"data"`
	SID  string `json:"sid"`
}

type featureData struct {
	FeatureID string `json:"feature_id"`
	Status    int    `json:"status"`
}

// Client calls the voiceprint feature API. Requests carry signed query
// parameters and the signature itself travels in an HTTP header.
type Client struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a voiceprint client.
func NewClient(config Config) *Client {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		config: config,
		client: client,
		logger: observability.WithComponent("voiceprint"),
	}
}

// Register enrolls a new voiceprint feature from capture samples. uid, when
// set, ties the feature to a caller-chosen user id.
func (c *Client) Register(ctx context.Context, samples []float32, audioType, uid string) (*Registration, error) {
	body := map[string]string{
		"audio_data": base64.StdEncoding.EncodeToString(audio.FloatToPCM16(samples)),
		"audio_type": defaultAudioType(audioType),
	}
	if uid != "" {
		body["uid"] = uid
	}

	reg, err := c.post(ctx, registerPath, body)
	if err != nil {
		return nil, err
	}
	if reg.FeatureID == "" {
		return nil, fmt.Errorf("voiceprint registration returned no feature_id")
	}
	c.logger.Info().
		Str("feature_id", reg.FeatureID).
		Str("sid", reg.SID).
		Msg("Voiceprint registered")
	return reg, nil
}

// Update replaces the audio behind an existing feature.
func (c *Client) Update(ctx context.Context, featureID string, samples []float32, audioType string) (*Registration, error) {
	if featureID == "" {
		return nil, fmt.Errorf("feature id is required")
	}
	body := map[string]string{
		"audio_data": base64.StdEncoding.EncodeToString(audio.FloatToPCM16(samples)),
		"audio_type": defaultAudioType(audioType),
		"feature_id": featureID,
	}

	reg, err := c.post(ctx, updatePath, body)
	if err != nil {
		return nil, err
	}
	if reg.FeatureID == "" {
		reg.FeatureID = featureID
	}
	c.logger.Info().
		Str("feature_id", reg.FeatureID).
		Str("sid", reg.SID).
		Msg("Voiceprint updated")
	return reg, nil
}

func defaultAudioType(audioType string) string {
	if audioType == "" {
		return AudioTypeRaw
	}
	return audioType
}

// post signs and sends one API call, retrying transient network failures.
func (c *Client) post(ctx context.Context, path string, body map[string]string) (*Registration, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var reg *Registration
	err = resilience.Retry(ctx, func() error {
		r, callErr := c.call(ctx, path, payload)
		if callErr != nil {
			return callErr
		}
		reg = r
		return nil
	}, c.config.Retry, retryableAPIError)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// retryableAPIError treats transport failures and 5xx responses as
// transient. Vendor result codes and 4xx responses are final.
func retryableAPIError(err error) bool {
	if resilience.IsRetryableNetworkError(err) {
		return true
	}
	return strings.Contains(err.Error(), "HTTP 5")
}

func (c *Client) call(ctx context.Context, path string, payload []byte) (*Registration, error) {
	params := map[string]string{
		"appId":           c.config.Credentials.AppID,
		"accessKeyId":     c.config.Credentials.AccessKeyID,
		"dateTime":        auth.DateTime(time.Now()),
		"signatureRandom": auth.RandomAlnum(16),
	}
	signature := auth.Sign(params, c.config.Credentials.AccessKeySecret)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	endpoint := c.config.BaseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("signature", signature)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voiceprint API returned HTTP %d: %s", resp.StatusCode, raw)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return nil, fmt.Errorf("malformed voiceprint response: %w", err)
	}
	if api.Code != codeSuccess {
		return nil, fmt.Errorf("voiceprint API error %s: %s", api.Code, api.Desc)
	}

	var data featureData
	if err := json.Unmarshal([]byte(api.Data), &data); err != nil {
		return nil, fmt.Errorf("malformed voiceprint feature data: %w", err)
	}
	if data.Status != 1 {
		return nil, fmt.Errorf("voiceprint request not accepted, status %d", data.Status)
	}

	return &Registration{
		FeatureID: data.FeatureID,
		Status:    data.Status,
		SID:       api.SID,
		Code:      api.Code,
		Desc:      api.Desc,
	}, nil
}
