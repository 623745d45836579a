// Package pagedata reads release and track data from a review page.
package pagedata

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/parser"
)

const (
	trackSelector = `[id^="track-"][id$="-info"], [data-track-index]`
	alertSelector = `button.alert, button.btn-warning, button[class*="alert"]`
	titleSelector = `.track-title, h5`
)

var (
	trackIDPattern = regexp.MustCompile(`^track-(\d+)-info$`)
	countPattern   = regexp.MustCompile(`\d+`)
)

// Card labels are matched in this order; "release artist" must hit artist
// before the generic release/title words.
var cardFields = []struct {
	field    string
	keywords []string
}{
	{"label", []string{"label", "sello"}},
	{"upc", []string{"upc", "ean", "barcode"}},
	{"status", []string{"status", "estado"}},
	{"language", []string{"language", "idioma"}},
	{"artist", []string{"artist", "artista"}},
	{"title", []string{"title", "título", "titulo", "release", "lanzamiento"}},
}

var rejectedPhrases = []string{"previously rejected", "rechazado anteriormente", "rechazado previamente"}

// Parse reads the release snapshot under root. It never fails; missing
// fields stay empty.
func Parse(root *goquery.Selection) *models.ReleaseData {
	release := &models.ReleaseData{
		Cards:     make(map[string]string),
		ScrapedAt: time.Now(),
	}
	if root == nil || root.Length() == 0 {
		return release
	}

	if id, ok := root.Find("[data-release-id]").First().Attr("data-release-id"); ok {
		release.ID = strings.TrimSpace(id)
	}

	root.Find(".card").Each(func(_ int, card *goquery.Selection) {
		label := strings.TrimSuffix(parser.NormalizeText(card.Find(".card-header").First().Text()), ":")
		value := parser.NormalizeText(card.Find(".card-body").First().Text())
		if label == "" || parser.IsEmptyValue(value) {
			return
		}
		release.Cards[label] = value
		applyCard(release, label, value)
	})
	root.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		label := strings.TrimSuffix(parser.NormalizeText(dt.Text()), ":")
		value := parser.NormalizeText(dt.NextFiltered("dd").Text())
		if label == "" || parser.IsEmptyValue(value) {
			return
		}
		if _, ok := release.Cards[label]; !ok {
			release.Cards[label] = value
		}
		applyCard(release, label, value)
	})

	release.Strikes = strikes(root)
	release.PreviouslyRejected = previouslyRejected(root)
	release.Tracks = tracks(root)
	return release
}

func applyCard(release *models.ReleaseData, label, value string) {
	lower := strings.ToLower(label)
	for _, f := range cardFields {
		if !containsAny(lower, f.keywords) {
			continue
		}
		var dst *string
		switch f.field {
		case "label":
			dst = &release.Label
		case "upc":
			dst = &release.UPC
		case "status":
			dst = &release.Status
		case "language":
			dst = &release.Language
		case "artist":
			dst = &release.Artist
		case "title":
			dst = &release.Title
		}
		if *dst == "" {
			*dst = value
		}
		return
	}
}

func tracks(root *goquery.Selection) []models.ReleaseTrack {
	var out []models.ReleaseTrack
	seen := make(map[int]bool)
	root.Find(trackSelector).Each(func(pos int, s *goquery.Selection) {
		// Audio modals carry data-track-index too.
		if s.Closest(".modal").Length() > 0 {
			return
		}
		index, ok := trackIndex(s)
		if !ok {
			index = pos
		}
		if seen[index] {
			return
		}
		seen[index] = true
		out = append(out, readTrack(s, index))
	})
	return out
}

func trackIndex(s *goquery.Selection) (int, bool) {
	if m := trackIDPattern.FindStringSubmatch(s.AttrOr("id", "")); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	if v, ok := s.Attr("data-track-index"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

func readTrack(s *goquery.Selection, index int) models.ReleaseTrack {
	display := index + 1
	if n, err := strconv.Atoi(parser.NormalizeText(s.Find(".track-number").First().Text())); err == nil && n > 0 {
		display = n
	}

	header := models.PlaceholderHeader(display)
	if title := parser.NormalizeText(s.Find(titleSelector).First().Text()); title != "" {
		header = title
	}

	alert := false
	s.Find(alertSelector).EachWithBreak(func(_ int, b *goquery.Selection) bool {
		_, disabled := b.Attr("disabled")
		alert = !disabled
		return !alert
	})

	t := models.ReleaseTrack{
		Ref: models.TrackRef{
			TrackIndex:    index,
			DisplayNumber: display,
			Header:        header,
			HasAlert:      alert,
		},
		Artist:   field(s, ".track-artist"),
		ISRC:     strings.ToUpper(field(s, ".track-isrc")),
		Language: field(s, ".track-language"),
	}
	if d, err := parser.ParseDuration(field(s, ".track-duration")); err == nil {
		t.Duration = d
	}
	if s.Find(".badge-explicit").Length() > 0 {
		t.Explicit = true
	} else {
		switch strings.ToLower(field(s, ".track-explicit")) {
		case "yes", "true", "sí", "si", "explicit":
			t.Explicit = true
		}
	}
	s.Find(".track-flag").Each(func(_ int, f *goquery.Selection) {
		if text := parser.NormalizeText(f.Text()); text != "" {
			t.Flags = append(t.Flags, text)
		}
	})
	return t
}

func field(s *goquery.Selection, selector string) string {
	v := parser.NormalizeText(s.Find(selector).First().Text())
	if parser.IsEmptyValue(v) {
		return ""
	}
	return v
}

func strikes(root *goquery.Selection) int {
	if v, ok := root.Find("[data-strikes]").First().Attr("data-strikes"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	if m := countPattern.FindString(root.Find(".strikes").First().Text()); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	return 0
}

func previouslyRejected(root *goquery.Selection) bool {
	if root.Find(".previously-rejected").Length() > 0 {
		return true
	}
	found := false
	root.Find(".alert, .badge").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = containsAny(strings.ToLower(s.Text()), rejectedPhrases)
		return !found
	})
	return found
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
