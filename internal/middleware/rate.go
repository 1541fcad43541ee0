package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"donation-service/internal/domain"
	"donation-service/pkg/response"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitiationLimit caps donation initiations in fixed windows.
type InitiationLimit struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
	Prefix string
}

// key is <prefix>:<donor>:<rail>. Donors without a token are keyed by IP.
func (l InitiationLimit) key(r *http.Request) string {
	var donor string
	if userID, ok := GetUserID(r.Context()); ok {
		donor = "uid:" + userID
	} else {
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.RemoteAddr
		}
		donor = "ip:" + strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return l.Prefix + ":" + donor + ":" + string(peekRail(r))
}

// RateLimiter counts initiations per donor and rail, so hammering one rail
// (repeated STK pushes to a phone, say) blocks that rail only. It fails open
// when redis is unreachable.
func RateLimiter(rdb redis.Cmdable, limit InitiationLimit, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := limit.key(r)
			blockKey := key + ":blocked"

			if blocked, _ := rdb.Get(ctx, blockKey).Result(); blocked == "1" {
				ttl, _ := rdb.TTL(ctx, blockKey).Result()
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
				response.Error(w, r, http.StatusTooManyRequests, "Too many donation attempts. Try again in "+ttl.String())
				return
			}

			count, err := rdb.Incr(ctx, key).Result()
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				rdb.Expire(ctx, key, limit.Window)
			}

			if count > int64(limit.Limit) {
				rdb.Set(ctx, blockKey, "1", limit.Block)
				logger.Warn("donation initiations blocked", zap.String("key", key), zap.Duration("block", limit.Block))
				w.Header().Set("Retry-After", strconv.Itoa(int(limit.Block.Seconds())))
				response.Error(w, r, http.StatusTooManyRequests, "Too many donation attempts. Blocked for "+limit.Block.String())
				return
			}

			ttl, _ := rdb.TTL(ctx, key).Result()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limit.Limit-int(count)))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(ttl.Seconds())))

			next.ServeHTTP(w, r)
		})
	}
}

// peekRail reads the rail from an initiation body and puts the body back for
// the handler. Anything unparseable is counted under "other".
func peekRail(r *http.Request) domain.Rail {
	const other = domain.Rail("other")
	if r.Body == nil || r.Body == http.NoBody {
		return other
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return other
	}

	var req struct {
		Rail domain.Rail `json:"rail"`
	}
	if json.Unmarshal(body, &req) != nil || !req.Rail.Valid() {
		return other
	}
	return req.Rail
}
