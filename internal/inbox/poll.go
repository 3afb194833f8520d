package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

// UpdateQuestion recounts a Question's tallies from scratch by walking its
// children index (every reply stored locally), rewriting oneOf/anyOf's
// replies.totalItems and votersCount from that fresh count rather than
// trusting a running total. This tolerates replies arriving out of order
// or more than once, since every call recomputes from the index instead of
// incrementing in place. If endTime has passed and the poll isn't already
// closed, it stamps closed and reports justClosed so the caller can notify.
func UpdateQuestion(objects *objectstore.Store, questionID string) (justClosed bool, question activitypub.Doc, err error) {
	raw, err := objects.Get(questionID)
	if err != nil {
		return false, nil, err
	}
	question = activitypub.Doc(raw)
	if docType(question) != "Question" {
		return false, nil, fmt.Errorf("inbox: %s is not a Question", questionID)
	}

	children, err := objects.Children(questionID)
	if err != nil {
		return false, nil, err
	}

	counts := make(map[string]int)
	voters := make(map[string]struct{})
	for _, digest := range children {
		reply, err := objects.GetByDigest(digest)
		if err != nil {
			continue
		}
		note := activitypub.ViewNote(reply)
		if note.Name == "" {
			continue
		}
		counts[note.Name]++
		if note.AttributedTo != "" {
			voters[note.AttributedTo] = struct{}{}
		}
	}

	matched := false
	for _, key := range []string{"oneOf", "anyOf"} {
		options, ok := question[key].([]interface{})
		if !ok {
			continue
		}
		for i, rawOpt := range options {
			opt, ok := asDoc(rawOpt)
			if !ok {
				continue
			}
			name, _ := opt["name"].(string)
			replies, ok := asDoc(opt["replies"])
			if !ok {
				replies = activitypub.Doc{"type": "Collection"}
			}
			replies["totalItems"] = counts[name]
			opt["replies"] = replies
			options[i] = opt
			matched = true
		}
		question[key] = options
	}
	if !matched {
		return false, nil, fmt.Errorf("inbox: %s has no poll options", questionID)
	}
	question["votersCount"] = len(voters)

	note := activitypub.ViewNote(question)
	if note.Closed == "" && note.EndTime != "" {
		if endTime, err := time.Parse(time.RFC3339, note.EndTime); err == nil && !endTime.After(time.Now()) {
			question["closed"] = note.EndTime
			justClosed = true
		}
	}

	if _, err := objects.Put(questionID, question, true); err != nil {
		return false, nil, err
	}
	return justClosed, question, nil
}

// asDoc coerces a decoded JSON value to a map so its fields can be read and
// rewritten in place. activitypub.Doc is an alias for map[string]interface{},
// so this is a single assertion, not a per-representation switch.
func asDoc(v interface{}) (activitypub.Doc, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// applyPollVote triggers a recount after a vote reply has already been
// stored and linked into questionID's children index.
func applyPollVote(objects *objectstore.Store, questionID, optionName string) error {
	_, _, err := UpdateQuestion(objects, questionID)
	return err
}

// CloseQuestionHandler returns the queue.Handler for close_question timer
// items: it recounts and, if the recount just closed the poll, notifies its
// local owner. Items of this kind are enqueued onto the global queue by
// queue.ScheduleCloseQuestion; no code path in this repository calls it when
// a Question is authored.
func CloseQuestionHandler(p *Pipeline, users *userstore.Store) queue.Handler {
	return func(ctx context.Context, item *queue.Item) queue.Outcome {
		if item.Kind != queue.KindCloseQuestion {
			return queue.OutcomeDone
		}
		var questionID string
		if err := json.Unmarshal(item.Message, &questionID); err != nil {
			slog.Warn("inbox: dropping unparseable close_question item", "error", err)
			return queue.OutcomeDone
		}

		justClosed, question, err := UpdateQuestion(p.Objects, questionID)
		if err != nil {
			slog.Warn("inbox: close_question recount failed", "question", questionID, "error", err)
			return queue.OutcomeRetry
		}
		if !justClosed {
			return queue.OutcomeDone
		}

		attributedTo := activitypub.AttributedTo(question)
		if attributedTo == "" || !activitypub.IsLocalID(attributedTo, p.LocalBase) {
			return queue.OutcomeDone
		}
		uid := strings.TrimPrefix(strings.TrimPrefix(attributedTo, p.LocalBase), "/")
		uid = strings.TrimPrefix(uid, "users/")
		user, err := users.Open(uid)
		if err != nil {
			slog.Warn("inbox: close_question owner not found", "uid", uid, "error", err)
			return queue.OutcomeDone
		}
		p.notify(user, "poll_closed", "", attributedTo, question)
		return queue.OutcomeDone
	}
}
