package chat

// NotBuiltMessage is returned in place of an answer while no index generation exists.
const NotBuiltMessage = "The knowledge base has not been built yet. Upload documents and rebuild the index, then ask again."

type Source struct {
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	Preview string  `json:"preview"`
	Score   float64 `json:"score"`
}

type Answer struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	IndexReady bool     `json:"index_ready"`
}

// NotBuilt is the friendly response for questions asked before the first rebuild.
func NotBuilt() Answer {
	return Answer{Answer: NotBuiltMessage, Sources: []Source{}, IndexReady: false}
}
