// Package extract reads audio match results out of an open analysis modal.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/parser"
)

// BodyPath locates the modal body relative to the modal element.
const BodyPath = ".modal-dialog .modal-content .modal-body"

type field int

const (
	fieldNone field = iota
	fieldArtist
	fieldAlbum
	fieldTitle
	fieldScore
)

// vocabulary is checked in order, so "track artist" classifies as artist.
var vocabulary = []struct {
	field    field
	keywords []string
}{
	{fieldArtist, []string{"artist", "artista"}},
	{fieldAlbum, []string{"album", "álbum"}},
	{fieldTitle, []string{"title", "track", "título", "titulo", "pista", "canción", "cancion"}},
	{fieldScore, []string{"score", "match", "similarity", "coincidencia"}},
}

func classify(label string) field {
	label = strings.ToLower(label)
	for _, v := range vocabulary {
		for _, k := range v.keywords {
			if strings.Contains(label, k) {
				return v.field
			}
		}
	}
	return fieldNone
}

// FromModal extracts the deduplicated results of a modal. A missing body or
// malformed rows yield fewer results, never an error. The selection is only read.
func FromModal(modal *goquery.Selection) []models.AudioMatchResult {
	if modal == nil || modal.Length() == 0 {
		return nil
	}
	body := modal.Find(BodyPath).First()
	if body.Length() == 0 {
		return nil
	}

	var results []models.AudioMatchResult
	body.Find("table").Each(func(_ int, table *goquery.Selection) {
		r, ok := fromTable(table)
		if !ok {
			return
		}
		r.Index = len(results) + 1
		results = append(results, r)
	})
	return Dedup(results)
}

func fromTable(table *goquery.Selection) (models.AudioMatchResult, bool) {
	var r models.AudioMatchResult
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		// Nested tables are candidates of their own.
		if row.Closest("table").Get(0) != table.Get(0) {
			return
		}
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() < 2 {
			return
		}
		label := parser.NormalizeText(cells.Eq(0).Text())
		value := parser.NormalizeText(cells.Eq(1).Text())
		if parser.IsEmptyValue(value) {
			return
		}
		switch classify(label) {
		case fieldArtist:
			r.Artists = []string{value}
		case fieldAlbum:
			r.Album = value
		case fieldTitle:
			r.Title = value
		case fieldScore:
			if score, ok := parser.ParseScore(value); ok {
				r.Score = score
			}
		}
	})
	// A zero score is indistinguishable from a missing one.
	if r.Title == "" && len(r.Artists) == 0 && r.Score == 0 {
		return models.AudioMatchResult{}, false
	}
	return r, true
}

// Dedup keeps the first result for every identity key, preserving order.
// Indexes are renumbered to stay 1-based and contiguous.
func Dedup(results []models.AudioMatchResult) []models.AudioMatchResult {
	if len(results) == 0 {
		return results
	}
	seen := make(map[string]struct{}, len(results))
	out := make([]models.AudioMatchResult, 0, len(results))
	for _, r := range results {
		key := r.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		r.Index = len(out) + 1
		out = append(out, r)
	}
	return out
}

// Title returns the modal's header title, used to refine a placeholder track header.
func Title(modal *goquery.Selection) string {
	return parser.NormalizeText(modal.Find(".modal-title").First().Text())
}
