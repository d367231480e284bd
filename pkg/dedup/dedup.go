// Package dedup computes stable item fingerprints and filters items that
// were already seen, either earlier in the same batch or in stored history.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/elonfeng/aifeed/pkg/source"
)

// Query parameters that only track the click and never identify content.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "dclid": true, "yclid": true, "msclkid": true,
	"mc_cid": true, "mc_eid": true, "igshid": true, "spm": true,
	"ref": true, "ref_src": true, "ref_url": true,
	"_hsenc": true, "_hsmi": true, "mkt_tok": true, "cmpid": true, "si": true,
}

// CanonicalURL normalizes a URL so that superficially different links to
// the same content compare equal. It returns "" for unusable input.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || trackingParams[lower] {
			q.Del(key)
		}
	}
	// url.Values.Encode sorts by key.
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// NormalizeTitle lowercases a title and reduces it to letters and digits
// separated by single spaces.
func NormalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// Fingerprint derives the dedup key of an item. Items with a usable URL
// are keyed by kind and canonical URL; the rest by kind, normalized title
// and publication day. fetched_at never contributes.
func Fingerprint(kind source.Kind, rawURL, title string, published time.Time) string {
	var key string
	if canonical := CanonicalURL(rawURL); canonical != "" {
		key = "url|" + canonical
	} else {
		day := ""
		if !published.IsZero() {
			day = published.UTC().Format("2006-01-02")
		}
		key = "title|" + NormalizeTitle(title) + "|" + day
	}
	sum := sha256.Sum256([]byte(string(kind) + "|" + key))
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(sum[:]))
}

// Index reports which fingerprints are already present in stored history.
type Index interface {
	Seen(ctx context.Context, fingerprints []string) (map[string]bool, error)
}

// Candidate is a raw item paired with its fingerprint.
type Candidate struct {
	Fingerprint string
	Item        source.RawItem
}

// Result is the outcome of filtering one batch.
type Result struct {
	New        []Candidate
	Duplicates int
}

// Deduplicator filters batches against an Index.
type Deduplicator struct {
	index Index
}

// New creates a deduplicator backed by index.
func New(index Index) *Deduplicator {
	return &Deduplicator{index: index}
}

// Filter fingerprints items and drops those repeated within the batch or
// already present in the index. The order of surviving items is kept.
func (d *Deduplicator) Filter(ctx context.Context, items []source.RawItem) (Result, error) {
	var res Result
	if len(items) == 0 {
		return res, nil
	}

	batch := make(map[string]bool, len(items))
	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		fp := Fingerprint(item.Kind, item.URL, item.Title, item.PublishedAt)
		if batch[fp] {
			res.Duplicates++
			continue
		}
		batch[fp] = true
		candidates = append(candidates, Candidate{Fingerprint: fp, Item: item})
	}

	fps := make([]string, 0, len(batch))
	for fp := range batch {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	seen, err := d.index.Seen(ctx, fps)
	if err != nil {
		return Result{}, fmt.Errorf("check dedup index: %w", err)
	}

	for _, c := range candidates {
		if seen[c.Fingerprint] {
			res.Duplicates++
			continue
		}
		res.New = append(res.New, c)
	}
	return res, nil
}
