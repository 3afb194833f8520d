package activitypub

// Actor, Note and Activity are read-only views projected out of a Doc by
// ViewActor/ViewNote/ViewActivity. They exist to give call sites typed field
// access for the handful of fields the core actually consults; the
// authoritative representation stays the map, which round-trips unknown
// fields untouched.

// Actor is a view of a Person/Service/Application/Group document.
type Actor struct {
	ID                string
	Type              string
	Name              string
	PreferredUsername string
	Summary           string
	Inbox             string
	Outbox            string
	Followers         string
	Following         string
	URL               string
	SharedInbox       string
	PublicKeyID       string
	PublicKeyPEM      string
	IconURL           string
	Published         string
	AlsoKnownAs       []string
}

// ViewActor projects an Actor view from a raw document. Returns nil for nil.
func ViewActor(m Doc) *Actor {
	if m == nil {
		return nil
	}
	a := &Actor{
		ID:                getString(m, "id"),
		Type:              getString(m, "type"),
		Name:              getString(m, "name"),
		PreferredUsername: getString(m, "preferredUsername"),
		Summary:           getString(m, "summary"),
		Inbox:             getString(m, "inbox"),
		Outbox:            getString(m, "outbox"),
		Followers:         getString(m, "followers"),
		Following:         getString(m, "following"),
		URL:               getString(m, "url"),
		Published:         getString(m, "published"),
		AlsoKnownAs:       getStringOrArray(m, "alsoKnownAs"),
	}
	if pk := getMap(m, "publicKey"); pk != nil {
		a.PublicKeyID = getString(pk, "id")
		a.PublicKeyPEM = getString(pk, "publicKeyPem")
	}
	if ep := getMap(m, "endpoints"); ep != nil {
		a.SharedInbox = getString(ep, "sharedInbox")
	}
	if icon := getMap(m, "icon"); icon != nil {
		a.IconURL = getString(icon, "url")
	}
	return a
}

// Note is a view of a Note/Article/Page/Video/Question document.
type Note struct {
	ID           string
	Type         string
	Name         string
	AttributedTo string
	Content      string
	Published    string
	URL          string
	InReplyTo    string
	Summary      string
	Sensitive    bool
	To           []string
	CC           []string
	Tag          []interface{}
	Attachment   []interface{}
	OneOf        []QuestionOption
	AnyOf        []QuestionOption
	EndTime      string
	Closed       string
	VotersCount  int
}

// QuestionOption is a single poll choice with its current tally.
type QuestionOption struct {
	Type       string
	Name       string
	TotalItems int
}

// ViewNote projects a Note view from a raw document.
func ViewNote(m Doc) *Note {
	if m == nil {
		return nil
	}
	n := &Note{
		ID:           getString(m, "id"),
		Type:         getString(m, "type"),
		Name:         getString(m, "name"),
		AttributedTo: AttributedTo(m),
		Content:      getString(m, "content"),
		Published:    getString(m, "published"),
		URL:          getString(m, "url"),
		InReplyTo:    ObjectID(m["inReplyTo"]),
		Summary:      getString(m, "summary"),
		Sensitive:    getBool(m, "sensitive"),
		To:           getStringOrArray(m, "to"),
		CC:           getStringOrArray(m, "cc"),
		Tag:          getList(m, "tag"),
		Attachment:   getList(m, "attachment"),
		EndTime:      getString(m, "endTime"),
		Closed:       getString(m, "closed"),
		VotersCount:  getInt(m, "votersCount"),
	}
	n.OneOf = viewQuestionOptions(m, "oneOf")
	n.AnyOf = viewQuestionOptions(m, "anyOf")
	return n
}

func viewQuestionOptions(m Doc, key string) []QuestionOption {
	arr := getList(m, key)
	if arr == nil {
		return nil
	}
	opts := make([]QuestionOption, 0, len(arr))
	for _, item := range arr {
		opt, ok := item.(Doc)
		if !ok {
			if opt2, ok2 := item.(map[string]interface{}); ok2 {
				opt = opt2
			} else {
				continue
			}
		}
		qo := QuestionOption{Type: getString(opt, "type"), Name: getString(opt, "name")}
		if replies := getMap(opt, "replies"); replies != nil {
			qo.TotalItems = getInt(replies, "totalItems")
		}
		opts = append(opts, qo)
	}
	return opts
}

// Activity is a view of any ActivityStreams activity (Create, Follow, ...).
type Activity struct {
	ID        string
	Type      string
	Actor     string
	Object    interface{}
	ObjectID  string
	Target    interface{}
	TargetID  string
	To        []string
	CC        []string
	Published string
	Content   string
}

// ViewActivity projects an Activity view from a raw document.
func ViewActivity(m Doc) *Activity {
	if m == nil {
		return nil
	}
	return &Activity{
		ID:        getString(m, "id"),
		Type:      getString(m, "type"),
		Actor:     ObjectID(m["actor"]),
		Object:    m["object"],
		ObjectID:  ObjectID(m["object"]),
		Target:    m["target"],
		TargetID:  ObjectID(m["target"]),
		To:        getStringOrArray(m, "to"),
		CC:        getStringOrArray(m, "cc"),
		Published: getString(m, "published"),
		Content:   getString(m, "content"),
	}
}

// IsActor reports whether a raw document is an actor type.
func IsActor(m Doc) bool {
	return IsActorType(getString(m, "type"))
}
