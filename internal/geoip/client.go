// Package geoip resolves client IP addresses to geographic coordinates
// through an external lookup service, with Redis caching in front.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Location is a resolved IP location. City is "Local" for private addresses
// and "Unknown" when the lookup service cannot place the IP.
type Location struct {
	IPAddress   string    `json:"ip_address"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	City        string    `json:"city"`
	Region      string    `json:"region"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	LookupTime  time.Time `json:"lookup_time"`
}

// Label returns a short "City, Country" string for logging and alert emails.
func (l *Location) Label() string {
	if l == nil || l.City == "" {
		return "Unknown"
	}
	if l.Country == "" {
		return l.City
	}
	return l.City + ", " + l.Country
}

// Known reports whether the location carries usable coordinates.
func (l *Location) Known() bool {
	return l != nil && (l.Latitude != 0 || l.Longitude != 0)
}

// Config holds GeoIP client settings.
type Config struct {
	// BaseURL of the lookup service, e.g. "http://ip-api.com"
	BaseURL string
	// CacheTTL for resolved locations in Redis
	CacheTTL time.Duration
	// HTTPTimeout for lookup requests
	HTTPTimeout time.Duration
}

// DefaultConfig returns the default GeoIP client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://ip-api.com",
		CacheTTL:    24 * time.Hour,
		HTTPTimeout: 5 * time.Second,
	}
}

// Client performs cached GeoIP lookups.
type Client struct {
	config Config
	redis  *redis.Client
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a GeoIP client. The Redis client may be nil, in which
// case lookups are not cached.
func NewClient(config Config, redisClient *redis.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 5 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}

	return &Client{
		config: config,
		redis:  redisClient,
		client: &http.Client{Timeout: config.HTTPTimeout},
		logger: logger.With(zap.String("component", "geoip")),
	}
}

// Lookup resolves an IP address to a location. Private and loopback
// addresses short-circuit to a "Local" placeholder. Lookup failures return
// an "Unknown" location along with the error so callers can degrade instead
// of failing the login.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	if parsedIP := net.ParseIP(ip); parsedIP != nil {
		if parsedIP.IsLoopback() || parsedIP.IsPrivate() || parsedIP.IsLinkLocalUnicast() {
			return &Location{
				IPAddress:   ip,
				Country:     "Local",
				CountryCode: "LO",
				City:        "Local",
				LookupTime:  time.Now(),
			}, nil
		}
	}

	cacheKey := fmt.Sprintf("geoip:%s", ip)
	if c.redis != nil {
		cached, err := c.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			var loc Location
			if json.Unmarshal([]byte(cached), &loc) == nil {
				return &loc, nil
			}
		}
	}

	loc, err := c.lookupRemote(ctx, ip)
	if err != nil {
		c.logger.Warn("GeoIP lookup failed",
			zap.String("ip", ip),
			zap.Error(err))
		return &Location{
			IPAddress:  ip,
			City:       "Unknown",
			LookupTime: time.Now(),
		}, err
	}

	if c.redis != nil {
		data, _ := json.Marshal(loc)
		c.redis.Set(ctx, cacheKey, data, c.config.CacheTTL)
	}

	return loc, nil
}

func (c *Client) lookupRemote(ctx context.Context, ip string) (*Location, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,country,countryCode,city,regionName,lat,lon,query", c.config.BaseURL, ip)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup service returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Status      string  `json:"status"`
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		City        string  `json:"city"`
		Region      string  `json:"regionName"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
		Query       string  `json:"query"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}

	if apiResponse.Status != "success" {
		return nil, fmt.Errorf("lookup service returned status: %s", apiResponse.Status)
	}

	return &Location{
		IPAddress:   apiResponse.Query,
		Country:     apiResponse.Country,
		CountryCode: apiResponse.CountryCode,
		City:        apiResponse.City,
		Region:      apiResponse.Region,
		Latitude:    apiResponse.Lat,
		Longitude:   apiResponse.Lon,
		LookupTime:  time.Now(),
	}, nil
}
