package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/inbox"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

func (s *Server) baseURL() string { return s.cfg.BaseURL() }

func (s *Server) actorURL(uid string) string { return s.baseURL() + "/" + uid }

// handleActor serves GET /<uid> — the actor document. Per §6 the request
// must ask for an ActivityPub content type; a plain browser GET gets a 406
// rather than HTML, since this server has no human-facing profile page.
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	if !wantsActivityJSON(r) {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}
	uid := chi.URLParam(r, "uid")
	user, err := s.users.Open(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	sharedInbox := ""
	if s.cfg.SharedInboxes {
		sharedInbox = s.baseURL() + "/shared-inbox"
	}
	doc := activitypub.MsgActor(user.Actor, uid, user.Profile.Name, user.Profile.Summary,
		user.Keys.PublicPEM, user.Profile.IconURL, user.Profile.Bot, user.Profile.Private, sharedInbox)
	apResponse(w, doc)
}

// handleInbox serves POST /<uid>/inbox. The body is captured and enqueued
// onto the recipient's personal queue as a KindInput item; signature
// verification happens later, in the queue worker (inbox.InputHandler), not
// here — per §6 inbound signatures are required but checked asynchronously.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	user, err := s.users.Open(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, release, ok := s.admitAndReadBody(w, r)
	if !ok {
		return
	}
	defer release()

	reqHead, err := inbox.EncodeRequest(r)
	if err != nil {
		slog.Warn("inbox: failed to capture request head", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	q, err := queue.New(user.QueueDir())
	if err != nil {
		slog.Error("inbox: open user queue", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	item := queue.Item{Kind: queue.KindInput, Message: body, Req: reqHead, UID: uid}
	if err := q.EnqueueNow(item); err != nil {
		slog.Error("inbox: enqueue failed", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSharedInbox serves POST /shared-inbox, enqueuing to the instance-wide
// queue. The queue worker resolves recipients via the pipeline's Fanout
// decision once the signature has been verified.
func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	body, release, ok := s.admitAndReadBody(w, r)
	if !ok {
		return
	}
	defer release()

	reqHead, err := inbox.EncodeRequest(r)
	if err != nil {
		slog.Warn("shared-inbox: failed to capture request head", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	item := queue.Item{Kind: queue.KindInput, Message: body, Req: reqHead}
	if err := s.global.EnqueueNow(item); err != nil {
		slog.Error("shared-inbox: enqueue failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// admitAndReadBody applies the per-origin and global inbox concurrency caps
// and reads the request body within the size limit. The caps are held for
// the duration of the request — they bound concurrent inbox HTTP handling
// (slow bodies, queue I/O), not activity processing itself, which happens
// later in the queue worker pool. Returns ok=false after already writing a
// response; the caller must call the returned release func when ok is true.
func (s *Server) admitAndReadBody(w http.ResponseWriter, r *http.Request) ([]byte, func(), bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, nil, false
	}

	origin := actorOrigin(body, r.RemoteAddr)
	if !s.inboxLimiter.acquire(origin) {
		slog.Warn("per-origin inbox rate limit exceeded", "origin", origin)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return nil, nil, false
	}
	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.inboxLimiter.release(origin)
		slog.Warn("inbox overloaded, dropping request", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return nil, nil, false
	}
	release := func() {
		s.inboxLimiter.release(origin)
		<-s.inboxSem
	}
	return body, release, true
}

func actorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// handleOutbox serves GET /<uid>/outbox — a paginated OrderedCollection of
// the user's public Create(Note) wrappers, sourced from the public timeline
// cache rather than a query over the whole object store.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	user, err := s.users.Open(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	outboxURL := user.Actor + "/outbox"

	if r.URL.Query().Get("page") != "true" {
		digests, err := user.Timeline(userstore.TimelinePublic, 0)
		if err != nil {
			digests = nil
		}
		apResponse(w, activitypub.Doc{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": len(digests),
			"first":      outboxURL + "?page=true",
		})
		return
	}

	digests, err := user.Timeline(userstore.TimelinePublic, outboxPageSize)
	if err != nil {
		digests = nil
	}
	items := make([]interface{}, 0, len(digests))
	for _, digest := range digests {
		note, err := s.objects.GetByDigest(digest)
		if err != nil {
			continue
		}
		items = append(items, activitypub.Create(note))
	}
	apResponse(w, activitypub.Doc{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           outboxURL + "?page=true",
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
	})
}

// handleFollowers and handleFollowing serve the counts-only collections §6
// specifies: the member list is never published, only totalItems.
func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleRelationCount(w, r, userstore.RelFollowers, "followers")
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleRelationCount(w, r, userstore.RelFollowing, "following")
}

func (s *Server) handleRelationCount(w http.ResponseWriter, r *http.Request, rel userstore.Relation, path string) {
	uid := chi.URLParam(r, "uid")
	user, err := s.users.Open(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	count, err := user.Count(rel)
	if err != nil {
		count = 0
	}
	apResponse(w, activitypub.Doc{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           user.Actor + "/" + path,
		"type":         "OrderedCollection",
		"totalItems":   count,
		"orderedItems": []interface{}{},
	})
}

// handleNote serves GET /<uid>/p/<tid> — a single public note, 404 if the
// object is missing or not addressed to the public.
func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	tid := chi.URLParam(r, "tid")
	user, err := s.users.Open(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	noteID := user.Actor + "/p/" + tid
	doc, err := s.objects.Get(noteID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	view := activitypub.ViewNote(doc)
	if !activitypub.HasPublic(view.To) && !activitypub.HasPublic(view.CC) {
		http.NotFound(w, r)
		return
	}
	apResponse(w, doc)
}
