package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

// requestHead captures the pieces of an inbound HTTP request that signature
// verification needs, so a KindInput item can carry them to the queue worker
// that eventually calls Process — verification happens there, not at the
// HTTP handler, per the deferred-signature-check requirement.
type requestHead struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header"`
}

// EncodeRequest captures method, URL and headers off an inbound request for
// replay inside the queue worker. The body travels separately as the
// item's Message field.
func EncodeRequest(r *http.Request) (json.RawMessage, error) {
	return json.Marshal(requestHead{Method: r.Method, URL: r.URL.String(), Header: r.Header})
}

// decodeRequest rebuilds an *http.Request suitable for httpsig.Verify from a
// captured requestHead and the activity body.
func decodeRequest(raw json.RawMessage, body []byte) (*http.Request, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var head requestHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(head.Method, head.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = head.Header
	return req, nil
}

// InputHandler returns the queue.Handler that drives incoming activities
// through the pipeline. It is wired in as the Dispatcher.Handler for the
// queue carrying KindInput items — the global queue for shared-inbox
// deliveries, and per-user queues for direct <uid>/inbox deliveries.
//
// A shared-inbox item (UID == "") is processed once with user == nil, which
// performs actor resolution and signature verification but no per-user
// routing; a Fanout decision then walks every local account and re-runs
// Process for each one with req == nil, since the signature has already been
// checked. A direct item (UID set) is processed against that one user, with
// the captured request so verification happens here for the first time.
func InputHandler(p *Pipeline, users *userstore.Store) queue.Handler {
	return func(ctx context.Context, item *queue.Item) queue.Outcome {
		if item.Kind != queue.KindInput {
			return queue.OutcomeDone
		}

		var activity activitypub.Doc
		if err := json.Unmarshal(item.Message, &activity); err != nil {
			slog.Warn("inbox: dropping unparseable queued activity", "error", err)
			return queue.OutcomeDone
		}
		req, err := decodeRequest(item.Req, item.Message)
		if err != nil {
			slog.Warn("inbox: dropping item with unparseable request head", "error", err)
			return queue.OutcomeDone
		}

		if item.UID != "" {
			user, err := users.Open(item.UID)
			if err != nil {
				slog.Warn("inbox: queued item for unknown user", "uid", item.UID, "error", err)
				return queue.OutcomeDone
			}
			return decisionToOutcome(p.Process(ctx, user, activity, req))
		}

		decision := p.Process(ctx, nil, activity, req)
		if decision != Fanout {
			return decisionToOutcome(decision)
		}

		uids, err := users.List()
		if err != nil {
			slog.Warn("inbox: fanout failed to list users", "error", err)
			return queue.OutcomeRetry
		}
		for _, uid := range uids {
			user, err := users.Open(uid)
			if err != nil {
				continue
			}
			d := p.Process(ctx, user, activity, nil)
			if d == Retry {
				q, err := queue.New(user.QueueDir())
				if err != nil {
					slog.Warn("inbox: fanout requeue failed", "uid", uid, "error", err)
					continue
				}
				if err := q.EnqueueNow(queue.Item{Kind: queue.KindInput, Message: item.Message, UID: uid}); err != nil {
					slog.Warn("inbox: fanout requeue failed", "uid", uid, "error", err)
				}
			}
		}
		return queue.OutcomeDone
	}
}

func decisionToOutcome(d Decision) queue.Outcome {
	if d == Retry {
		return queue.OutcomeRetry
	}
	return queue.OutcomeDone
}
