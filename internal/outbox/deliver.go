package outbox

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/metrics"
	"github.com/klppl/apfed/internal/queue"
)

// HTTPClient is the client used for outbound deliveries; tests may replace
// it with one pointed at an httptest.Server's transport.
var HTTPClient = &http.Client{Timeout: 15 * time.Second}

// UserAgent identifies this server to remote inboxes.
const UserAgent = "apfed/1.0"

// DeliverHandler is the queue.Handler that performs the actual signed POST
// for a KindOutput item, classifying the response per the delivery retry
// table. Wire this in as Dispatcher.Handler for the output-delivery
// dispatcher.
func DeliverHandler(ctx context.Context, item *queue.Item) queue.Outcome {
	if item.Kind != queue.KindOutput {
		return queue.OutcomeDone
	}

	privKey, err := httpsig.ParsePrivateKeyPEM(item.SecKey)
	if err != nil {
		slog.Warn("outbox: bad key material, dropping delivery", "inbox", item.Inbox, "error", err)
		return queue.OutcomeDone
	}

	status := deliverOnce(ctx, item.Inbox, []byte(item.Message), item.KeyID, privKey)
	outcome := queue.ClassifyDeliveryStatus(status, item.PStatus)
	if outcome != queue.OutcomeDone {
		slog.Debug("outbox: delivery deferred", "inbox", item.Inbox, "status", status)
	}
	item.PStatus = status
	metrics.DeliveriesTotal.WithLabelValues(deliveryOutcomeLabel(outcome)).Inc()
	return outcome
}

func deliveryOutcomeLabel(o queue.Outcome) string {
	switch o {
	case queue.OutcomeRetry:
		return "retry"
	case queue.OutcomeRetryDoublePenalty:
		return "retry_double_penalty"
	default:
		return "done"
	}
}

// deliverOnce performs one signed POST, returning the response status or a
// negative transport-failure code on error. A deadline-exceeded error maps
// to queue.TimeoutStatus so repeated timeouts trigger the double-retry
// penalty; any other transport failure reports -1.
func deliverOnce(ctx context.Context, inbox string, body []byte, keyID string, privKey *rsa.PrivateKey) int {
	req, err := httpsig.NewSignedRequest(http.MethodPost, inbox, body, keyID, privKey, UserAgent)
	if err != nil {
		slog.Warn("outbox: failed to sign delivery", "inbox", inbox, "error", err)
		return -1
	}
	req = req.WithContext(ctx)

	resp, err := HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.TimeoutStatus
		}
		slog.Debug("outbox: delivery request failed", "inbox", inbox, "error", err)
		return -1
	}
	defer resp.Body.Close()
	return resp.StatusCode
}
