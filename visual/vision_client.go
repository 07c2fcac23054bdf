package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/amialone/moderation/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

const DefaultVisionHost = "https://vision.googleapis.com"

// VisionClient calls the Google Cloud Vision SafeSearch detection API.
type VisionClient struct {
	Client  *http.Client
	Host    string
	APIKey  string
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// schema: https://cloud.google.com/vision/docs/reference/rest/v1/images/annotate
type visionRequest struct {
	Requests []visionAnnotateRequest `json:"requests"`
}

type visionAnnotateRequest struct {
	Image    visionImage     `json:"image"`
	Features []visionFeature `json:"features"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type VisionResp struct {
	Responses []VisionResp_Annotate `json:"responses"`
	Error     *VisionResp_Status    `json:"error,omitempty"`
}

type VisionResp_Annotate struct {
	SafeSearch *VisionResp_SafeSearch `json:"safeSearchAnnotation,omitempty"`
	Error      *VisionResp_Status     `json:"error,omitempty"`
}

type VisionResp_SafeSearch struct {
	Adult    Likelihood `json:"adult"`
	Spoof    Likelihood `json:"spoof"`
	Medical  Likelihood `json:"medical"`
	Violence Likelihood `json:"violence"`
	Racy     Likelihood `json:"racy"`
}

type VisionResp_Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (ss *VisionResp_SafeSearch) Scores() Scores {
	return Scores{
		CategoryAdult:    ss.Adult,
		CategoryViolence: ss.Violence,
		CategoryRacy:     ss.Racy,
		CategoryMedical:  ss.Medical,
		CategorySpoof:    ss.Spoof,
	}
}

// NewVisionClient builds a client which does not retry internally; callers
// apply their own bounded backoff around Analyze.
func NewVisionClient(apiKey string, ratePerSec float64) *VisionClient {
	return &VisionClient{
		Client:  util.NewHTTPClient(0, 30*time.Second),
		Host:    DefaultVisionHost,
		APIKey:  apiKey,
		Limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		Logger:  slog.Default().With("component", "vision"),
	}
}

func (vc *VisionClient) Analyze(ctx context.Context, image []byte) (Scores, error) {
	if vc.Limiter != nil {
		if err := vc.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(visionRequest{
		Requests: []visionAnnotateRequest{{
			Image:    visionImage{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []visionFeature{{Type: "SAFE_SEARCH_DETECTION"}},
		}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", vc.Host+"/v1/images:annotate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "moderation/"+versioninfo.Short())
	if vc.APIKey != "" {
		req.Header.Set("X-Goog-Api-Key", vc.APIKey)
	}

	start := time.Now()
	defer func() {
		visionAPIDuration.Observe(time.Since(start).Seconds())
	}()

	vc.logger().Debug("sending image to vision API", "size", len(image))
	res, err := vc.Client.Do(req)
	if err != nil {
		visionAPICount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vision request failed: %w", err)
	}
	defer res.Body.Close()
	visionAPICount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()

	respBytes, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read vision resp body: %w", err)
	}

	var respObj VisionResp
	parseErr := json.Unmarshal(respBytes, &respObj)

	if res.StatusCode != http.StatusOK {
		msg := http.StatusText(res.StatusCode)
		if parseErr == nil && respObj.Error != nil && respObj.Error.Message != "" {
			msg = respObj.Error.Message
		}
		return nil, &APIError{StatusCode: res.StatusCode, Message: msg}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse vision resp JSON: %w", parseErr)
	}
	if len(respObj.Responses) == 0 {
		return nil, fmt.Errorf("vision response contained no annotations")
	}
	ann := respObj.Responses[0]
	if ann.Error != nil && ann.Error.Message != "" {
		return nil, &APIError{Message: ann.Error.Message}
	}
	if ann.SafeSearch == nil {
		return nil, fmt.Errorf("vision response missing safeSearchAnnotation")
	}
	scores := ann.SafeSearch.Scores()
	vc.logger().Debug("vision-response", "scores", scores)
	return scores, nil
}

func (vc *VisionClient) logger() *slog.Logger {
	if vc.Logger != nil {
		return vc.Logger
	}
	return slog.Default()
}
