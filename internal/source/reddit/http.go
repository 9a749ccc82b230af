package reddit

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	logx "automemer/pkg/logx"
)

// leveledLogger adapts logx to retryablehttp. Intermediate request errors
// are retried, so they are logged as warnings.
type leveledLogger struct{ log logx.Logger }

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Warn(msg, kvFields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, kvFields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Trace(msg, kvFields(kv)...) }

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			out = append(out, logx.String(k, err.Error()))
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

// newHTTPClient builds a retrying client on a pooled transport. It retries
// connection errors and 5xx responses, but not 429: the caller reports
// rate limiting and the next cycle tries again.
func newHTTPClient(retryMax int, timeout time.Duration, log logx.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledLogger{log: log})
	rc.CheckRetry = retryPolicy

	c := rc.StandardClient()
	c.Timeout = timeout
	return c
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
