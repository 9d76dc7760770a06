package geoip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func geoipServer(t *testing.T, hits *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","country":"United States","countryCode":"US","city":"New York","regionName":"New York","lat":40.7128,"lon":-74.006,"query":"203.0.113.5"}`)
	}))
}

func TestClient_Lookup(t *testing.T) {
	srv := geoipServer(t, nil)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())

	loc, err := client.Lookup(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "New York", loc.City)
	assert.Equal(t, "United States", loc.Country)
	assert.InDelta(t, 40.7128, loc.Latitude, 0.0001)
	assert.InDelta(t, -74.006, loc.Longitude, 0.0001)
	assert.True(t, loc.Known())
	assert.Equal(t, "New York, United States", loc.Label())
}

func TestClient_PrivateAddresses(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, zap.NewNop())

	for _, ip := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.20", "172.16.4.4"} {
		loc, err := client.Lookup(context.Background(), ip)
		require.NoError(t, err, ip)
		assert.Equal(t, "Local", loc.City, ip)
		assert.False(t, loc.Known(), ip)
	}
}

func TestClient_Caching(t *testing.T) {
	var hits int64
	srv := geoipServer(t, &hits)
	defer srv.Close()

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: s.Addr()})

	client := NewClient(Config{BaseURL: srv.URL, CacheTTL: time.Hour}, redisClient, zap.NewNop())

	for i := 0; i < 3; i++ {
		loc, err := client.Lookup(context.Background(), "203.0.113.5")
		require.NoError(t, err)
		assert.Equal(t, "New York", loc.City)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestClient_LookupFailures(t *testing.T) {
	t.Run("Service error returns Unknown location", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"fail","query":"203.0.113.9"}`)
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())
		loc, err := client.Lookup(context.Background(), "203.0.113.9")
		assert.Error(t, err)
		require.NotNil(t, loc)
		assert.Equal(t, "Unknown", loc.City)
		assert.False(t, loc.Known())
	})

	t.Run("HTTP error returns Unknown location", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())
		loc, err := client.Lookup(context.Background(), "203.0.113.9")
		assert.Error(t, err)
		assert.Equal(t, "Unknown", loc.City)
	})

	t.Run("Unreachable service returns Unknown location", func(t *testing.T) {
		client := NewClient(Config{BaseURL: "http://127.0.0.1:1", HTTPTimeout: 100 * time.Millisecond}, nil, zap.NewNop())
		loc, err := client.Lookup(context.Background(), "203.0.113.9")
		assert.Error(t, err)
		assert.Equal(t, "Unknown", loc.City)
	})
}

func TestLocation_Label(t *testing.T) {
	var nilLoc *Location
	assert.Equal(t, "Unknown", nilLoc.Label())
	assert.Equal(t, "Unknown", (&Location{}).Label())
	assert.Equal(t, "Oslo", (&Location{City: "Oslo"}).Label())
	assert.Equal(t, "Oslo, Norway", (&Location{City: "Oslo", Country: "Norway"}).Label())
}
