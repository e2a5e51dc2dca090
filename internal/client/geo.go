package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// ErrLocationNotResolved is returned when a caller's IP address cannot be mapped to a position.
var ErrLocationNotResolved = errors.New("location not resolved")

// DefaultGeoBaseURL is the ipinfo-compatible lookup endpoint.
const DefaultGeoBaseURL = "https://ipinfo.io"

// GeoResolver maps a client IP address to a location.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (models.Location, error)
}

// GeoOptions configures IPInfoResolver.
type GeoOptions struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// IPInfoResolver resolves addresses through an ipinfo-style JSON API.
type IPInfoResolver struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewIPInfoResolver builds a resolver. logger receives retry diagnostics; nil disables them.
func NewIPInfoResolver(opts GeoOptions, logger *zap.Logger) *IPInfoResolver {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGeoBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if logger != nil {
		rc.Logger = leveledLogger{logger.Sugar()}
	} else {
		rc.Logger = nil
	}
	return &IPInfoResolver{baseURL: baseURL, token: opts.Token, client: rc}
}

type ipInfoResponse struct {
	IP   string `json:"ip"`
	City string `json:"city"`
	Loc  string `json:"loc"`
}

// Resolve looks up ip. Private, loopback and empty addresses are resolved as the server's own
// public address.
func (r *IPInfoResolver) Resolve(ctx context.Context, ip string) (models.Location, error) {
	endpoint := r.baseURL + "/json"
	if ip = strings.TrimSpace(ip); ip != "" && isPublicIP(ip) {
		endpoint = r.baseURL + "/" + ip + "/json"
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Location{}, fmt.Errorf("create geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: %v", ErrLocationNotResolved, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Location{}, fmt.Errorf("%w: HTTP %d", ErrLocationNotResolved, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: read response body: %v", ErrLocationNotResolved, err)
	}
	var info ipInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return models.Location{}, fmt.Errorf("%w: parse geo response: %v", ErrLocationNotResolved, err)
	}
	lat, lon, err := parseLoc(info.Loc)
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: %v", ErrLocationNotResolved, err)
	}
	return models.Location{City: info.City, Latitude: lat, Longitude: lon}, nil
}

// parseLoc parses "lat,lon".
func parseLoc(loc string) (float64, float64, error) {
	parts := strings.Split(loc, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed loc %q", loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed longitude %q", parts[1])
	}
	return lat, lon, nil
}

func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast())
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
