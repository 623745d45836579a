package locator

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// RuleSet holds the ordered selector candidates for every target, most
// specific first. Selectors may use {i} (track index), {n} (display number)
// and {modal} (path of the modal being closed).
type RuleSet struct {
	AlertButton     []string `yaml:"alert_button"`
	CloseButton     []string `yaml:"close_button"`
	Modal           []string `yaml:"modal"`
	AudioModal      []string `yaml:"audio_modal"`
	TrackContainer  []string `yaml:"track_container"`
	TrackTitle      []string `yaml:"track_title"`
	ImportantModals []string `yaml:"important_modals"`
	AlertKeywords   []string `yaml:"alert_keywords"`
	CloseKeywords   []string `yaml:"close_keywords"`
}

// DefaultRules returns the selectors that match the review tool's markup.
func DefaultRules() RuleSet {
	return RuleSet{
		AlertButton: []string{
			`[id^="track-{i}-info"] button.alert`,
			`[id^="track-{i}-info"] button.btn-warning`,
			`[id^="track-{i}-info"] button[class*="alert"]`,
			`[data-track-index="{i}"] button.btn-warning`,
			`[data-track-index="{i}"] button[class*="alert"]`,
			`button[data-bs-target$="-{i}"][class*="alert"]`,
			`button[class*="alert"]`,
		},
		CloseButton: []string{
			`{modal} [data-bs-dismiss="modal"]`,
			`{modal} [data-dismiss="modal"]`,
			`{modal} .btn-close`,
			`{modal} button.close`,
			`{modal} .modal-footer button.btn-secondary`,
		},
		Modal: []string{
			`#audio-analysis-modal-{i}`,
			`#audio-modal-{i}`,
			`.modal[id^="audio"][id$="-{i}"]`,
			`.modal[data-track-index="{i}"]`,
		},
		AudioModal: []string{
			`.modal[id^="audio"]`,
			`.modal[id*="audio-analysis"]`,
			`.modal.audio-analysis-modal`,
			`.modal[data-track-index]`,
		},
		TrackContainer: []string{
			`[id^="track-{i}-info"]`,
			`[data-track-index="{i}"]`,
		},
		TrackTitle: []string{
			`[id^="track-{i}-info"] .track-title`,
			`[data-track-index="{i}"] .track-title`,
			`[id^="track-{i}-info"] h5`,
		},
		ImportantModals: []string{
			"approveModal",
			"rejectModal",
			"addTicketModal",
			"approve-modal",
			"reject-modal",
			"add-ticket-modal",
		},
		AlertKeywords: []string{"alert", "warning"},
		CloseKeywords: []string{"close", "cerrar", "dismiss", "×", "✕"},
	}
}

// LoadRules reads a YAML rule file. Lists missing from the file keep their
// defaults.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	var loaded RuleSet
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	rules := DefaultRules().Merge(loaded)
	if err := rules.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}

// Merge returns r with every non-empty list of other replacing r's.
func (r RuleSet) Merge(other RuleSet) RuleSet {
	pick := func(base, override []string) []string {
		if len(override) > 0 {
			return override
		}
		return base
	}
	return RuleSet{
		AlertButton:     pick(r.AlertButton, other.AlertButton),
		CloseButton:     pick(r.CloseButton, other.CloseButton),
		Modal:           pick(r.Modal, other.Modal),
		AudioModal:      pick(r.AudioModal, other.AudioModal),
		TrackContainer:  pick(r.TrackContainer, other.TrackContainer),
		TrackTitle:      pick(r.TrackTitle, other.TrackTitle),
		ImportantModals: pick(r.ImportantModals, other.ImportantModals),
		AlertKeywords:   pick(r.AlertKeywords, other.AlertKeywords),
		CloseKeywords:   pick(r.CloseKeywords, other.CloseKeywords),
	}
}

// Validate compiles every selector with sample placeholder values.
func (r RuleSet) Validate() error {
	groups := map[string][]string{
		"alert_button":    r.AlertButton,
		"close_button":    r.CloseButton,
		"modal":           r.Modal,
		"audio_modal":     r.AudioModal,
		"track_container": r.TrackContainer,
		"track_title":     r.TrackTitle,
	}
	for name, selectors := range groups {
		if len(selectors) == 0 {
			return fmt.Errorf("%s has no selectors", name)
		}
		for _, sel := range selectors {
			expanded := Expand(sel, 0, "body")
			if _, err := cascadia.Compile(expanded); err != nil {
				return fmt.Errorf("%s selector %q: %w", name, sel, err)
			}
		}
	}
	for _, id := range r.ImportantModals {
		if strings.TrimSpace(id) == "" || strings.ContainsAny(id, " #.") {
			return fmt.Errorf("important modal id %q must be a bare id", id)
		}
	}
	return nil
}

// ImportantSelector returns one selector group matching any open important modal.
func (r RuleSet) ImportantSelector() string {
	if len(r.ImportantModals) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.ImportantModals))
	for _, id := range r.ImportantModals {
		parts = append(parts, `[id="`+id+`"].show`)
	}
	return strings.Join(parts, ", ")
}

// Expand substitutes placeholders in a selector template.
func Expand(tmpl string, trackIndex int, modal string) string {
	return strings.NewReplacer(
		"{i}", strconv.Itoa(trackIndex),
		"{n}", strconv.Itoa(trackIndex+1),
		"{modal}", modal,
	).Replace(tmpl)
}

func scoped(tmpl string) bool {
	return strings.Contains(tmpl, "{i}") || strings.Contains(tmpl, "{n}")
}
