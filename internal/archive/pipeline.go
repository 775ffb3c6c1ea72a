// Package archive decodes repository CAR archives into tracked records.
//
// A repository archive is a content-addressable container of DAG-CBOR blocks
// with no ordering guarantee. Blocks carrying a $type tag are candidate
// records; everything else (commit objects, tree nodes) is ignored.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

// ErrBadArchive marks a body that could not be parsed at all. The worker
// treats it as a DID-level failure.
var ErrBadArchive = errors.New("unreadable repository archive")

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Pipeline filters archive blocks against a time window. It is stateless and
// safe for concurrent use.
type Pipeline struct {
	Window backfill.Window
}

// Extraction is the validated output for one DID's archive.
type Extraction struct {
	Records map[backfill.RecordType][]backfill.Record
	Counts  map[backfill.RecordType]int

	// BlocksScanned counts every block in the archive; MalformedBlocks
	// counts blocks skipped because their CBOR would not decode.
	BlocksScanned   int
	MalformedBlocks int
}

// Extract decodes body into blocks, classifies each block's record type, and
// validates records against the pipeline window. A malformed block is skipped;
// a body with no decodable blocks at all returns ErrBadArchive.
func (p Pipeline) Extract(did backfill.DID, body []byte) (Extraction, error) {
	out := Extraction{
		Records: make(map[backfill.RecordType][]backfill.Record),
		Counts:  make(map[backfill.RecordType]int),
	}

	br, err := carv2.NewBlockReader(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	tracked := backfill.TrackedTypes()
	for {
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A truncated archive still yields the blocks read so far;
			// nothing readable at all is a parse failure for the DID.
			if out.BlocksScanned == 0 {
				return out, fmt.Errorf("%w: %v", ErrBadArchive, err)
			}
			out.MalformedBlocks++
			break
		}
		out.BlocksScanned++

		var doc map[string]any
		if err := decMode.Unmarshal(blk.RawData(), &doc); err != nil {
			out.MalformedBlocks++
			continue
		}

		typ, ok := classify(doc)
		if !ok || !tracked[typ] {
			continue
		}

		createdAt, tsOK := recordCreatedAt(doc)
		if typ != backfill.TypeFollow {
			// Follows are always retained for social-graph completeness;
			// every other type must fall inside [start, end).
			if !tsOK {
				out.MalformedBlocks++
				continue
			}
			if !p.Window.Contains(createdAt) {
				continue
			}
		}

		payload, err := renderPayload(doc, typ)
		if err != nil {
			out.MalformedBlocks++
			continue
		}

		out.Records[typ] = append(out.Records[typ], backfill.Record{
			Type:      typ,
			DID:       did,
			CID:       blk.Cid().String(),
			CreatedAt: createdAt,
			Payload:   payload,
		})
	}

	for typ, recs := range out.Records {
		out.Counts[typ] = len(recs)
	}
	return out, nil
}

// classify returns the record type for a block, or false when the block does
// not carry a type tag. The type is the tag's final path segment; a post that
// references a reply parent is a reply, not a standalone post.
func classify(doc map[string]any) (backfill.RecordType, bool) {
	tag, ok := doc["$type"].(string)
	if !ok || tag == "" {
		return "", false
	}
	typ := backfill.RecordType(tag[strings.LastIndex(tag, ".")+1:])
	if typ == backfill.TypePost {
		if ref, present := doc["reply"]; present && ref != nil {
			typ = backfill.TypeReply
		}
	}
	return typ, true
}

func recordCreatedAt(doc map[string]any) (time.Time, bool) {
	raw, ok := doc["createdAt"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// renderPayload converts the decoded DAG-CBOR document into a JSON envelope.
// CID links become their string form and raw bytes become base64, so
// downstream consumers never need CBOR tooling. Post and reply payloads get
// their embed normalized through the tagged-union transformer.
func renderPayload(doc map[string]any, typ backfill.RecordType) (json.RawMessage, error) {
	normalized, ok := jsonValue(doc).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record body is not a map")
	}
	if typ == backfill.TypePost || typ == backfill.TypeReply {
		if raw, present := doc["embed"].(map[string]any); present {
			normalized["embed"] = TransformEmbed(raw)
		}
	}
	buf, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return buf, nil
}
