// Package messaging accepts the extension's control messages and answers
// with the same message shapes the sidebar iframe expects.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/store"
)

// Message types.
const (
	TipoControl  = "audioAnalysisControl"
	TipoComplete = "optimizedAudioAnalysisComplete"
	TipoStatus   = "audioAnalysisStatus"
	TipoError    = "audioAnalysisError"
)

// Control actions.
const (
	ActionStart        = "start"
	ActionStartMassive = "startMassive"
	ActionEnable       = "enable"
	ActionDisable      = "disable"
	ActionStatus       = "status"
	ActionCleanup      = "cleanup"
)

// ErrBadMessage marks a request the bridge could not understand.
var ErrBadMessage = errors.New("bad message")

const maxBody = 1 << 20

// Analyzer is the part of the orchestrator the bridge drives.
type Analyzer interface {
	Analyze(ctx context.Context, tracks []models.TrackRef, mode string) *models.AnalysisReport
	SetEnabled(enabled bool)
	Enabled() bool
	InProgress() bool
	Results() []models.TrackAnalysis
	Cleanup(ctx context.Context) (int, error)
}

// Settings persists the enable switch.
type Settings interface {
	SetBool(key string, v bool) error
}

// TrackSource supplies the page's tracks when a start message names none.
type TrackSource func(ctx context.Context) ([]models.TrackRef, error)

// Reply is the outgoing message.
type Reply struct {
	Tipo       string                 `json:"tipo"`
	RunID      string                 `json:"runId,omitempty"`
	Mode       string                 `json:"mode,omitempty"`
	Results    []models.TrackAnalysis `json:"results"`
	Failures   map[int]string         `json:"failures,omitempty"`
	Attempted  int                    `json:"attempted,omitempty"`
	Aborted    bool                   `json:"aborted,omitempty"`
	Skipped    string                 `json:"skipped,omitempty"`
	Enabled    bool                   `json:"enabled"`
	InProgress bool                   `json:"inProgress"`
	Removed    int                    `json:"removed,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Bridge dispatches control messages to an Analyzer.
type Bridge struct {
	analyzer Analyzer
	settings Settings
	tracks   TrackSource
}

// NewBridge wires a bridge. settings and tracks may be nil.
func NewBridge(analyzer Analyzer, settings Settings, tracks TrackSource) *Bridge {
	return &Bridge{analyzer: analyzer, settings: settings, tracks: tracks}
}

// Handle processes one raw message and returns the encoded reply. A bad
// message still gets an error-shaped reply alongside an ErrBadMessage.
func (b *Bridge) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	reply, err := b.dispatch(ctx, raw)
	if err != nil {
		reply = b.errorReply(err)
	}
	encoded, encErr := json.Marshal(reply)
	if encErr != nil {
		return nil, fmt.Errorf("encode reply: %w", encErr)
	}
	return encoded, err
}

func (b *Bridge) dispatch(ctx context.Context, raw []byte) (Reply, error) {
	if !gjson.ValidBytes(raw) {
		return Reply{}, fmt.Errorf("%w: invalid json", ErrBadMessage)
	}
	msg := gjson.ParseBytes(raw)
	if tipo := msg.Get("tipo").String(); tipo != TipoControl {
		return Reply{}, fmt.Errorf("%w: unsupported tipo %q", ErrBadMessage, tipo)
	}

	action := msg.Get("action").String()
	slog.Debug("bridge message", slog.String("action", action))

	switch action {
	case ActionStart, ActionStartMassive:
		mode := config.ModeSequential
		if action == ActionStartMassive {
			mode = config.ModeParallel
		}
		tracks, err := b.trackList(ctx, msg.Get("tracks"))
		if err != nil {
			return Reply{}, err
		}
		return b.completeReply(b.analyzer.Analyze(ctx, tracks, mode)), nil

	case ActionEnable, ActionDisable:
		enabled := action == ActionEnable
		b.analyzer.SetEnabled(enabled)
		if b.settings != nil {
			if err := b.settings.SetBool(store.KeyAnalysisEnabled, enabled); err != nil {
				slog.Warn("persisting analysis switch failed", slog.Any("error", err))
			}
		}
		return b.statusReply(), nil

	case ActionStatus:
		reply := b.statusReply()
		reply.Results = b.analyzer.Results()
		return reply, nil

	case ActionCleanup:
		removed, err := b.analyzer.Cleanup(ctx)
		if err != nil {
			return Reply{}, fmt.Errorf("cleanup: %w", err)
		}
		reply := b.statusReply()
		reply.Removed = removed
		return reply, nil

	default:
		return Reply{}, fmt.Errorf("%w: unknown action %q", ErrBadMessage, action)
	}
}

// trackList accepts either bare indexes or TrackRef objects.
func (b *Bridge) trackList(ctx context.Context, list gjson.Result) ([]models.TrackRef, error) {
	if !list.Exists() || (list.IsArray() && len(list.Array()) == 0) {
		if b.tracks == nil {
			return nil, fmt.Errorf("%w: no tracks given", ErrBadMessage)
		}
		return b.tracks(ctx)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: tracks must be an array", ErrBadMessage)
	}

	var refs []models.TrackRef
	for _, item := range list.Array() {
		switch {
		case item.Type == gjson.Number:
			i := int(item.Int())
			refs = append(refs, models.TrackRef{
				TrackIndex:    i,
				DisplayNumber: i + 1,
				Header:        models.PlaceholderHeader(i + 1),
				HasAlert:      true,
			})
		case item.IsObject():
			var ref models.TrackRef
			if err := json.Unmarshal([]byte(item.Raw), &ref); err != nil {
				return nil, fmt.Errorf("%w: track %s: %v", ErrBadMessage, item.Raw, err)
			}
			if !item.Get("hasAlert").Exists() {
				ref.HasAlert = true
			}
			if ref.DisplayNumber == 0 {
				ref.DisplayNumber = ref.TrackIndex + 1
			}
			if ref.Header == "" {
				ref.Header = models.PlaceholderHeader(ref.DisplayNumber)
			}
			refs = append(refs, ref)
		default:
			return nil, fmt.Errorf("%w: unsupported track entry %s", ErrBadMessage, item.Raw)
		}
	}
	return refs, nil
}

func (b *Bridge) completeReply(report *models.AnalysisReport) Reply {
	results := report.Results
	if results == nil {
		results = []models.TrackAnalysis{}
	}
	if report.InProgress {
		reply := b.statusReply()
		reply.Tipo = TipoError
		reply.Error = "analysis already in progress"
		reply.RunID = report.RunID
		reply.Mode = report.Mode
		reply.Results = results
		reply.InProgress = true
		return reply
	}
	return Reply{
		Tipo:       TipoComplete,
		RunID:      report.RunID,
		Mode:       report.Mode,
		Results:    results,
		Failures:   report.Failures,
		Attempted:  report.Attempted,
		Aborted:    report.Aborted,
		Skipped:    report.Skipped,
		Enabled:    b.analyzer.Enabled(),
		InProgress: false,
	}
}

func (b *Bridge) statusReply() Reply {
	return Reply{
		Tipo:       TipoStatus,
		Enabled:    b.analyzer.Enabled(),
		InProgress: b.analyzer.InProgress(),
	}
}

func (b *Bridge) errorReply(err error) Reply {
	reply := b.statusReply()
	reply.Tipo = TipoError
	reply.Error = err.Error()
	return reply
}

// ServeHTTP accepts POSTed messages.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	reply, err := b.Handle(r.Context(), raw)
	if reply == nil {
		slog.Error("bridge reply", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, ErrBadMessage):
		status = http.StatusBadRequest
	case err != nil:
		slog.Error("bridge message failed", slog.Any("error", err))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(reply)
}
