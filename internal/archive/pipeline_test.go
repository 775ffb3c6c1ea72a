package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const testDID = backfill.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")

func dagCBORCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	pref := cid.Prefix{Version: 1, Codec: cid.DagCBOR, MhType: multihash.SHA2_256, MhLength: -1}
	c, err := pref.Sum(data)
	require.NoError(t, err)
	return c
}

func link(t *testing.T, data []byte) cbor.Tag {
	t.Helper()
	return cbor.Tag{Number: 42, Content: append([]byte{0}, dagCBORCID(t, data).Bytes()...)}
}

// buildArchive frames pre-encoded blocks into a v1 archive: a varint-length
// CBOR header naming the first block as root, then varint-length sections of
// CID bytes followed by block data.
func buildArchive(t *testing.T, blocks ...[]byte) []byte {
	t.Helper()
	require.NotEmpty(t, blocks)

	header, err := cbor.Marshal(map[string]any{
		"version": 1,
		"roots":   []any{link(t, blocks[0])},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	section := func(b []byte) {
		var v [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(v[:], uint64(len(b)))
		out.Write(v[:n])
		out.Write(b)
	}
	section(header)
	for _, data := range blocks {
		section(append(dagCBORCID(t, data).Bytes(), data...))
	}
	return out.Bytes()
}

func encodeRecords(t *testing.T, records ...map[string]any) [][]byte {
	t.Helper()
	blocks := make([][]byte, 0, len(records))
	for _, rec := range records {
		buf, err := cbor.Marshal(rec)
		require.NoError(t, err)
		blocks = append(blocks, buf)
	}
	return blocks
}

func testWindow() backfill.Window {
	return backfill.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestExtractClassifiesAndCounts(t *testing.T) {
	blocks := encodeRecords(t,
		map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      "morning",
			"createdAt": "2024-03-10T12:00:00Z",
		},
		map[string]any{
			"$type":     "app.bsky.feed.like",
			"subject":   map[string]any{"uri": "at://did:plc:abc/app.bsky.feed.post/3k", "cid": "bafyreib"},
			"createdAt": "2024-03-11T09:30:00Z",
		},
		map[string]any{
			"$type":     "app.bsky.graph.follow",
			"subject":   "did:plc:target",
			"createdAt": "2024-03-12T08:00:00Z",
		},
		map[string]any{
			"$type":     "app.bsky.feed.repost",
			"subject":   map[string]any{"uri": "at://did:plc:abc/app.bsky.feed.post/3k", "cid": "bafyreib"},
			"createdAt": "2024-03-13T10:00:00Z",
		},
		map[string]any{
			"$type":     "app.bsky.graph.block",
			"subject":   "did:plc:blocked",
			"createdAt": "2024-03-14T11:00:00Z",
		},
		// Profile records are not tracked.
		map[string]any{
			"$type":       "app.bsky.actor.profile",
			"displayName": "someone",
		},
		// Tree node without a type tag.
		map[string]any{"e": []any{}, "l": nil},
	)

	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, buildArchive(t, blocks...))
	require.NoError(t, err)

	require.Equal(t, 7, ex.BlocksScanned)
	require.Zero(t, ex.MalformedBlocks)
	require.Equal(t, map[backfill.RecordType]int{
		backfill.TypePost:   1,
		backfill.TypeLike:   1,
		backfill.TypeFollow: 1,
		backfill.TypeRepost: 1,
		backfill.TypeBlock:  1,
	}, ex.Counts)

	post := ex.Records[backfill.TypePost][0]
	require.Equal(t, testDID, post.DID)
	require.Equal(t, dagCBORCID(t, blocks[0]).String(), post.CID)
	require.True(t, post.CreatedAt.Equal(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(post.Payload, &payload))
	require.Equal(t, "morning", payload["text"])
}

func TestExtractReclassifiesReplies(t *testing.T) {
	parent := encodeRecords(t, map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "root post",
		"createdAt": "2024-02-01T00:00:00Z",
	})[0]
	reply := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "replying",
		"createdAt": "2024-02-02T00:00:00Z",
		"reply": map[string]any{
			"root":   map[string]any{"uri": "at://x/app.bsky.feed.post/1", "cid": link(t, parent)},
			"parent": map[string]any{"uri": "at://x/app.bsky.feed.post/1", "cid": link(t, parent)},
		},
	}

	blocks := append(encodeRecords(t, reply), parent)
	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, buildArchive(t, blocks...))
	require.NoError(t, err)

	require.Equal(t, 1, ex.Counts[backfill.TypeReply])
	require.Equal(t, 1, ex.Counts[backfill.TypePost])

	rec := ex.Records[backfill.TypeReply][0]
	require.Equal(t, backfill.TypeReply, rec.Type)

	// Link tags in the reply ref come out as CID strings.
	var payload struct {
		Reply struct {
			Parent struct {
				CID string `json:"cid"`
			} `json:"parent"`
		} `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	require.Equal(t, dagCBORCID(t, parent).String(), payload.Reply.Parent.CID)
}

func TestExtractWindowFiltering(t *testing.T) {
	blocks := encodeRecords(t,
		map[string]any{"$type": "app.bsky.feed.post", "text": "in", "createdAt": "2024-03-01T00:00:00Z"},
		map[string]any{"$type": "app.bsky.feed.post", "text": "too early", "createdAt": "2023-12-31T23:59:59Z"},
		map[string]any{"$type": "app.bsky.feed.post", "text": "at start", "createdAt": "2024-01-01T00:00:00Z"},
		map[string]any{"$type": "app.bsky.feed.post", "text": "at end", "createdAt": "2024-06-01T00:00:00Z"},
		// Follows ignore the window entirely.
		map[string]any{"$type": "app.bsky.graph.follow", "subject": "did:plc:old", "createdAt": "2019-05-01T00:00:00Z"},
		map[string]any{"$type": "app.bsky.graph.follow", "subject": "did:plc:none"},
	)

	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, buildArchive(t, blocks...))
	require.NoError(t, err)

	require.Equal(t, 2, ex.Counts[backfill.TypePost])
	texts := make([]string, 0, 2)
	for _, rec := range ex.Records[backfill.TypePost] {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(rec.Payload, &payload))
		texts = append(texts, payload["text"].(string))
	}
	require.ElementsMatch(t, []string{"in", "at start"}, texts)

	require.Equal(t, 2, ex.Counts[backfill.TypeFollow])
	for _, rec := range ex.Records[backfill.TypeFollow] {
		if rec.CreatedAt.IsZero() {
			continue
		}
		require.True(t, rec.CreatedAt.Before(testWindow().Start))
	}
}

func TestExtractSkipsMalformedBlocks(t *testing.T) {
	good := encodeRecords(t, map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "survivor",
		"createdAt": "2024-03-01T00:00:00Z",
	})[0]
	notAMap, err := cbor.Marshal([]any{1, 2, 3})
	require.NoError(t, err)
	badTimestamp := encodeRecords(t, map[string]any{
		"$type":     "app.bsky.feed.like",
		"subject":   map[string]any{"uri": "at://x"},
		"createdAt": "yesterday",
	})[0]

	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, buildArchive(t, good, notAMap, badTimestamp))
	require.NoError(t, err)

	require.Equal(t, 3, ex.BlocksScanned)
	require.Equal(t, 2, ex.MalformedBlocks)
	require.Equal(t, 1, ex.Counts[backfill.TypePost])
	require.Zero(t, ex.Counts[backfill.TypeLike])
}

func TestExtractKeepsPartialOnTruncation(t *testing.T) {
	blocks := encodeRecords(t,
		map[string]any{"$type": "app.bsky.feed.post", "text": "first", "createdAt": "2024-03-01T00:00:00Z"},
		map[string]any{"$type": "app.bsky.feed.post", "text": "second", "createdAt": "2024-03-02T00:00:00Z"},
	)
	full := buildArchive(t, blocks...)
	truncated := full[:len(full)-5]

	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, truncated)
	require.NoError(t, err)
	require.Equal(t, 1, ex.Counts[backfill.TypePost])
	require.Equal(t, 1, ex.MalformedBlocks)
}

func TestExtractRejectsUnparsableBody(t *testing.T) {
	p := Pipeline{Window: testWindow()}

	_, err := p.Extract(testDID, []byte("<html>503 Service Unavailable</html>"))
	require.ErrorIs(t, err, ErrBadArchive)

	_, err = p.Extract(testDID, nil)
	require.ErrorIs(t, err, ErrBadArchive)
}

func TestExtractRendersBytesAsBase64(t *testing.T) {
	blocks := encodeRecords(t, map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "signed",
		"createdAt": "2024-03-01T00:00:00Z",
		"sig":       []byte{1, 2, 3},
	})

	p := Pipeline{Window: testWindow()}
	ex, err := p.Extract(testDID, buildArchive(t, blocks...))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ex.Records[backfill.TypePost][0].Payload, &payload))
	require.Equal(t, "AQID", payload["sig"])
}
