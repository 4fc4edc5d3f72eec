package chat

import (
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/tidwall/gjson"
)

var citationWalker = jsonwalk.NewWalker("response", "output", "item", "content", "annotations", "annotation", "part")

// citationSet keeps citations in first-seen order, unique by (file id, filename). A later duplicate
// only fills fields the first one left empty.
type citationSet struct {
	order []string
	byKey map[string]*models.Citation
}

func newCitationSet(existing []models.Citation) *citationSet {
	s := &citationSet{byKey: make(map[string]*models.Citation)}
	for _, c := range existing {
		s.add(c)
	}
	return s
}

func (s *citationSet) add(c models.Citation) {
	if c.FileID == "" && c.Filename == "" {
		return
	}
	key := c.CitationKey()
	cur, ok := s.byKey[key]
	if !ok {
		s.order = append(s.order, key)
		s.byKey[key] = &c
		return
	}
	if cur.StartIndex == nil {
		cur.StartIndex = c.StartIndex
	}
	if cur.EndIndex == nil {
		cur.EndIndex = c.EndIndex
	}
	if cur.Quote == "" {
		cur.Quote = c.Quote
	}
	if cur.Label == "" {
		cur.Label = c.Label
	}
}

func (s *citationSet) list() []models.Citation {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]models.Citation, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.byKey[k])
	}
	return out
}

// collectCitations finds every annotation object nested anywhere under evt.
func collectCitations(evt gjson.Result, into *citationSet) {
	citationWalker.Walk(evt, func(_ string, v gjson.Result) bool {
		if c, ok := citationFrom(v); ok {
			into.add(c)
		}
		return true
	})
}

func citationFrom(v gjson.Result) (models.Citation, bool) {
	if !v.IsObject() {
		return models.Citation{}, false
	}
	typ := v.Get("type").Str
	if typ != "" && !strings.HasSuffix(typ, "citation") {
		return models.Citation{}, false
	}

	c := models.Citation{
		FileID:     jsonwalk.String(v, "file_id", "fileId"),
		Filename:   jsonwalk.String(v, "filename", "file_name"),
		StartIndex: intPtr(v, "start_index", "index"),
		EndIndex:   intPtr(v, "end_index"),
		Quote:      jsonwalk.String(v, "quote", "text"),
		Label:      jsonwalk.String(v, "label", "title"),
	}
	if typ == "url_citation" {
		c.FileID = jsonwalk.String(v, "url")
	}
	if c.FileID == "" {
		return models.Citation{}, false
	}
	return c, true
}

func intPtr(v gjson.Result, paths ...string) *int {
	n, ok := jsonwalk.Number(v, paths...)
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}
