package inbox

import (
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/userstore"
)

// passesFilters applies the policy filters that run after is_for_me but
// before any type handler mutates state: the content-reject regex,
// drop_dm_from_unknown and min_account_age. A false return means silently
// drop (Done), per the "Policy" row of the error-handling taxonomy.
func (p *Pipeline) passesFilters(user *userstore.User, act *activitypub.Activity, actor *activitypub.Actor) bool {
	if p.MinAccountAge > 0 && actor.Published != "" {
		if published, err := time.Parse(time.RFC3339, actor.Published); err == nil {
			if time.Since(published) < p.MinAccountAge {
				return false
			}
		}
	}

	if act.Type != "Create" {
		return true
	}
	m := activitypub.EmbeddedObject(act.Object)
	if m == nil {
		return true
	}
	objType := docType(m)
	if objType != "Note" {
		return true
	}

	r := activitypub.Recipients(m, false, "")
	if !activitypub.HasPublic(r) && !user.Follows(act.Actor) {
		// A non-public Note from someone we don't follow is only legitimate
		// if it is addressed to us directly; anything else is an
		// unsolicited DM from an unknown actor.
		addressedToUs := false
		for _, rcpt := range r {
			if rcpt == user.Actor {
				addressedToUs = true
				break
			}
		}
		if !addressedToUs {
			return false
		}
	}

	if p.RejectFilter != nil {
		content, _ := m["content"].(string)
		if p.RejectFilter.MatchString(activitypub.HTMLToText(content)) {
			return false
		}
	}

	return true
}

func docType(m activitypub.Doc) string {
	t, _ := m["type"].(string)
	return t
}
