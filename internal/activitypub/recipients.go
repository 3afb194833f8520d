package activitypub

// Recipients unions a document's to/cc fields (each may legally be a bare
// string or a list) into a deduplicated set. When expandPublic is true, the
// magic public URI is replaced by followersURL instead of being returned
// verbatim — used by the outbox, which must resolve public addressing down
// to an actual collection of actors to deliver to.
func Recipients(m Doc, expandPublic bool, followersURL string) []string {
	ids := append(getStringOrArray(m, "to"), getStringOrArray(m, "cc")...)
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PublicURI {
			if !expandPublic {
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
				continue
			}
			if followersURL != "" && !seen[followersURL] {
				seen[followersURL] = true
				out = append(out, followersURL)
			}
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
