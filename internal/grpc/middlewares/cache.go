package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// Cache memoizes successful responses of selected methods in an LRU.
// A successful call to an invalidating method purges it.
type Cache struct {
	entries    *lru.Cache
	cached     map[string]bool
	invalidate map[string]bool
}

// NewCache caches the full method names in methods.
func NewCache(size int, methods ...string) (*Cache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		entries:    entries,
		cached:     make(map[string]bool, len(methods)),
		invalidate: make(map[string]bool),
	}
	for _, m := range methods {
		c.cached[m] = true
	}
	return c, nil
}

// InvalidateOn purges the cache whenever one of methods succeeds.
func (c *Cache) InvalidateOn(methods ...string) *Cache {
	for _, m := range methods {
		c.invalidate[m] = true
	}
	return c
}

func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !c.cached[info.FullMethod] {
			resp, err := handler(ctx, req)
			if err == nil && c.invalidate[info.FullMethod] {
				c.entries.Purge()
			}
			return resp, err
		}

		key, ok := cacheKey(info.FullMethod, req)
		if !ok {
			return handler(ctx, req)
		}
		if resp, hit := c.entries.Get(key); hit {
			return resp, nil
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, resp)
		return resp, nil
	}
}

// cacheKey serializes req deterministically. Requests that cannot be
// serialized are not cached.
func cacheKey(method string, req interface{}) (string, bool) {
	var (
		b   []byte
		err error
	)
	if msg, isProto := req.(proto.Message); isProto {
		b, err = proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	} else {
		b, err = json.Marshal(req)
	}
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s:%x", method, b), true
}
