// Package redisconn parses redis connection strings. URL form is preferred;
// the comma-separated "host:port,password=...,ssl=true" form used by managed
// caches is accepted as a fallback.
package redisconn

import (
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Parse turns a connection string into client options.
func Parse(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
