package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/pi-funnel/internal/config"
)

// teeWriter forwards the response and keeps a copy of up to limit bytes.
type teeWriter struct {
	http.ResponseWriter
	status    int
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *teeWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *teeWriter) Write(b []byte) (int, error) {
	if !w.truncated {
		if w.limit > 0 && w.buf.Len()+len(b) > w.limit {
			w.truncated = true
			w.buf.Reset()
		} else {
			w.buf.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

// cacheKey ignores the method so GET and HEAD share an entry.
func cacheKey(cfg config.CacheConfig, _, route, query string) string {
	sum := sha1.Sum([]byte(route + "?" + query))
	return fmt.Sprintf("%s:%x", cfg.Prefix, sum)
}

// PurgeRoute drops the cached response of route without a query.
// Admission handlers call it so the funnel overview shows new seat
// counts before the TTL runs out.
func PurgeRoute(ctx context.Context, cfg config.CacheConfig, rdb *redis.Client, route string) {
	if !cfg.Enabled || rdb == nil {
		return
	}
	if err := rdb.Del(ctx, cacheKey(cfg, http.MethodGet, route, "")).Err(); err != nil {
		log.Printf("cache: purge %s: %v", route, err)
	}
}

// entry layout: [status u32][header length u32][header JSON][body]
func encodeEntry(status int, header http.Header, body []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(hdr)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdr)))
	out = append(out, hdr...)
	return append(out, body...), nil
}

func decodeEntry(bs []byte) (int, http.Header, []byte, bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status := int(binary.BigEndian.Uint32(bs[0:4]))
	n := int(binary.BigEndian.Uint32(bs[4:8]))
	if n < 0 || 8+n > len(bs) {
		return 0, nil, nil, false
	}
	header := make(http.Header)
	if n > 0 {
		if err := json.Unmarshal(bs[8:8+n], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+n:], true
}

type responseCache struct {
	cfg config.CacheConfig
	rdb *redis.Client
}

// serve writes a cached entry and reports whether there was one.
func (rc responseCache) serve(c echo.Context, key string) bool {
	bs, err := rc.rdb.Get(c.Request().Context(), key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("cache: get %s: %v", key, err)
		}
		return false
	}
	status, header, body, ok := decodeEntry(bs)
	if !ok {
		return false
	}
	h := c.Response().Header()
	for k, vals := range header {
		if strings.EqualFold(k, echo.HeaderContentLength) {
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("X-Cache", "HIT")
	c.Response().WriteHeader(status)
	_, _ = c.Response().Write(body)
	return true
}

func (rc responseCache) store(key string, w *teeWriter, header http.Header) {
	if w.status != http.StatusOK || w.truncated {
		return
	}
	entry, err := encodeEntry(w.status, header.Clone(), w.buf.Bytes())
	if err != nil {
		return
	}
	if err := rc.rdb.SetEx(context.Background(), key, entry, rc.cfg.TTL).Err(); err != nil {
		log.Printf("cache: set %s: %v", key, err)
	}
}

// NewRedisCache caches 200 responses in Redis, headers and body, so a hit
// is byte-identical to the original answer.  Bodies over MaxBodyBytes are
// served but not cached.
func NewRedisCache(cfg config.CacheConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	rc := responseCache{cfg: cfg, rdb: rdb}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if !cfg.Caches(r.Method) {
				return next(c)
			}
			key := cacheKey(cfg, r.Method, c.Path(), r.URL.RawQuery)
			if rc.serve(c, key) {
				return nil
			}

			w := &teeWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: cfg.MaxBodyBytes}
			c.Response().Writer = w
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			rc.store(key, w, c.Response().Header())
			return nil
		}
	}
}
