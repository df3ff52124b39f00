package wiki

// User-facing texts.
const (
	NotFoundNotice  = "That page does not exist yet, perhaps you'd like to create it:"
	AmbiguousNotice = "Your search query may refer to multiple things, please be more specific or visit:"
	EmptyApology    = "I'm sorry, I couldn't find anything on that subject. Try another one!"
	ErrorApology    = "I'm sorry, but something went wrong with your query"
)

// Messages renders a result as the ordered chat messages to send.
func Messages(r *Result) []string {
	if r == nil {
		return []string{ErrorApology}
	}

	switch r.Kind {
	case NotFound:
		return []string{NotFoundNotice, r.SourceURL}
	case Ambiguous:
		return []string{AmbiguousNotice, r.SourceURL}
	case Empty:
		return []string{EmptyApology}
	default:
		msgs := make([]string, 0, len(r.Paragraphs)+1)
		msgs = append(msgs, r.SourceURL)
		for _, p := range r.Paragraphs {
			msgs = append(msgs, "> "+p)
		}
		return msgs
	}
}
