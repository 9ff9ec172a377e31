package history

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"slidesync/internal/document/model"
)

// Hash is a cheap structural fingerprint of the parts of a document that
// matter for versioning: ids, titles, statuses and per-component content.
// The version stamp and timestamps are excluded.
func Hash(doc *model.Document) uint64 {
	d := xxhash.New()
	write(d, doc.ID, doc.Title, strconv.Itoa(doc.Width), strconv.Itoa(doc.Height))
	for _, s := range doc.Slides {
		write(d, "slide", s.ID, s.Title, s.Notes, string(s.Status))
		for _, c := range s.Components {
			writeComponent(d, c)
		}
	}
	return d.Sum64()
}

// ComponentHash fingerprints one component.
func ComponentHash(c *model.Component) uint64 {
	d := xxhash.New()
	writeComponent(d, c)
	return d.Sum64()
}

func writeComponent(d *xxhash.Digest, c *model.Component) {
	write(d, "component", c.ID, c.Type, strconv.FormatBool(c.Locked), strconv.FormatBool(c.Visible))
	writeProps(d, "style", c.Style)
	writeProps(d, "props", c.Props)
}

func writeProps(d *xxhash.Digest, section string, p model.Props) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	write(d, section)
	for _, k := range keys {
		// json.Marshal sorts nested map keys, so equal values encode equally.
		raw, err := json.Marshal(p[k])
		if err != nil {
			raw = []byte("?")
		}
		write(d, k, string(raw))
	}
}

func write(d *xxhash.Digest, parts ...string) {
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
}
