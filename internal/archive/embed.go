package archive

import "strings"

// EmbedKind discriminates the media variants a post can carry.
type EmbedKind string

const (
	EmbedImages          EmbedKind = "images"
	EmbedExternal        EmbedKind = "external"
	EmbedRecord          EmbedKind = "record"
	EmbedRecordWithMedia EmbedKind = "record_with_media"
	EmbedUnknown         EmbedKind = "unknown"
)

// Embed is the normalized form of a post's media attachment. Exactly one of
// the variant fields is populated, selected by Kind; the record-with-media
// variant carries both a quoted record and a nested media embed.
type Embed struct {
	Kind     EmbedKind    `json:"kind"`
	Images   []ImageRef   `json:"images,omitempty"`
	External *ExternalRef `json:"external,omitempty"`
	Record   *RecordRef   `json:"record,omitempty"`
	Media    *Embed       `json:"media,omitempty"`
}

// ImageRef is one attached image: its blob CID plus display metadata.
type ImageRef struct {
	Ref      string `json:"ref"`
	MimeType string `json:"mimeType,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// ExternalRef is a link-card attachment.
type ExternalRef struct {
	URI         string `json:"uri"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// RecordRef points at a quoted record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
}

// TransformEmbed maps a raw decoded embed document onto the tagged union.
// Variants this build does not understand come back as EmbedUnknown rather
// than being dropped, so payloads stay inspectable downstream.
func TransformEmbed(doc map[string]any) *Embed {
	switch embedTag(doc) {
	case "images":
		return &Embed{Kind: EmbedImages, Images: imageRefs(doc["images"])}
	case "external":
		ext := mapField(doc, "external")
		return &Embed{Kind: EmbedExternal, External: &ExternalRef{
			URI:         stringField(ext, "uri"),
			Title:       stringField(ext, "title"),
			Description: stringField(ext, "description"),
		}}
	case "record":
		return &Embed{Kind: EmbedRecord, Record: recordRef(mapField(doc, "record"))}
	case "recordWithMedia":
		// The quoted record sits one level deeper than in the plain
		// record variant.
		outer := mapField(doc, "record")
		e := &Embed{Kind: EmbedRecordWithMedia, Record: recordRef(mapField(outer, "record"))}
		if media := mapField(doc, "media"); media != nil {
			e.Media = TransformEmbed(media)
		}
		return e
	default:
		return &Embed{Kind: EmbedUnknown}
	}
}

// embedTag returns the final segment of the embed's type tag, ignoring any
// lexicon fragment suffix ("app.bsky.embed.images#main" and
// "app.bsky.embed.images" are the same variant).
func embedTag(doc map[string]any) string {
	tag := stringField(doc, "$type")
	if i := strings.IndexByte(tag, '#'); i >= 0 {
		tag = tag[:i]
	}
	return tag[strings.LastIndex(tag, ".")+1:]
}

func imageRefs(v any) []ImageRef {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	refs := make([]ImageRef, 0, len(items))
	for _, item := range items {
		img, ok := item.(map[string]any)
		if !ok {
			continue
		}
		blob := mapField(img, "image")
		refs = append(refs, ImageRef{
			Ref:      blobCID(blob),
			MimeType: stringField(blob, "mimeType"),
			Alt:      stringField(img, "alt"),
		})
	}
	return refs
}

// blobCID digs the content address out of a blob reference. Current repos
// carry a link under "ref"; ancient ones used a bare "cid" string.
func blobCID(blob map[string]any) string {
	if blob == nil {
		return ""
	}
	if s, ok := jsonValue(blob["ref"]).(string); ok && s != "" {
		return s
	}
	return stringField(blob, "cid")
}

func recordRef(doc map[string]any) *RecordRef {
	if doc == nil {
		return &RecordRef{}
	}
	ref := &RecordRef{URI: stringField(doc, "uri")}
	if s, ok := jsonValue(doc["cid"]).(string); ok {
		ref.CID = s
	}
	return ref
}
