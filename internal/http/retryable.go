package http

import (
	nethttp "net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/overture-stack/score-int/internal/logging"
)

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings, not all info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// RetryableOptions tunes control-plane request retries.
type RetryableOptions struct {
	// RetryMax is the number of retries after the first request
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewRetryableClient wraps base with retries for transient failures
// (connection errors, 5xx, 429). Other 4xx responses are returned as-is.
//
// After the last retry the final response is passed through rather than
// replaced by an error, so callers can still map its status code.
func NewRetryableClient(base *nethttp.Client, opts RetryableOptions, logger *logging.Logger) *retryablehttp.Client {
	if opts.RetryMax <= 0 {
		opts.RetryMax = 4
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 500 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	if base != nil {
		client.HTTPClient = base
	}
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.Logger = &retryLogger{logger: logging.OrNop(logger)}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}
