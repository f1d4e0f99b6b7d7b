package modules

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/selection"
	"spotifreak/internal/task"
)

// KindPlaylistPresentation rotates a playlist's cover art, title, and
// description through configured asset pools.
const KindPlaylistPresentation = "playlist_presentation"

const presentationSchema = `{
	"type": "object",
	"required": ["playlist"],
	"properties": {
		"playlist": {"type": "object", "required": ["kind"]},
		"phases": {
			"type": "object",
			"properties": {
				"mode": {"enum": ["none", "custom"]},
				"custom": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name", "start"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"start": {"type": "string", "pattern": "^\\d{1,2}:\\d{2}$"}
						},
						"additionalProperties": false
					}
				}
			},
			"additionalProperties": false
		},
		"cover": {"type": "object"},
		"title": {"type": "object"},
		"description": {"type": "object"}
	},
	"additionalProperties": false
}`

type phaseDef struct {
	Name  string `json:"name"`
	Start string `json:"start"` // HH:MM local time
}

type phasesOptions struct {
	Mode   string     `json:"mode,omitempty"`
	Custom []phaseDef `json:"custom,omitempty"`
}

type featureOptions struct {
	Enabled bool `json:"enabled,omitempty"`
	selection.Config
}

type descriptionOptions struct {
	featureOptions
	UseDynamic       bool     `json:"use_dynamic,omitempty"`
	DynamicTemplates []string `json:"dynamic_templates,omitempty"`
}

type presentationOptions struct {
	Playlist    PlaylistResolver   `json:"playlist"`
	Phases      *phasesOptions     `json:"phases,omitempty"`
	Cover       featureOptions     `json:"cover,omitempty"`
	Title       featureOptions     `json:"title,omitempty"`
	Description descriptionOptions `json:"description,omitempty"`
}

// presentationState nests every feature's selection cursor inside the
// task's blob. Features sharing a group_key share one slot.
type presentationState struct {
	RunCount      int                        `json:"run_count"`
	LastPhase     string                     `json:"last_phase,omitempty"`
	LastUpdatedAt time.Time                  `json:"last_updated_at,omitempty"`
	Features      map[string]selection.State `json:"features,omitempty"`
	Applied       map[string]string          `json:"applied,omitempty"`
}

type presentationBody struct {
	opts     presentationOptions
	svc      content.Service
	selector *selection.Engine
	baseDir  string
}

func presentationKind(deps Deps) registry.Kind {
	return registry.Kind{
		Name:   KindPlaylistPresentation,
		Schema: presentationSchema,
		Factory: func(spec config.SyncConfig) (task.Body, error) {
			var opts presentationOptions
			if err := decodeOptions(spec.Options, &opts); err != nil {
				return nil, err
			}
			if err := opts.Playlist.validate(); err != nil {
				return nil, err
			}
			for name, f := range map[string]featureOptions{
				"cover": opts.Cover, "title": opts.Title, "description": opts.Description.featureOptions,
			} {
				if f.Enabled {
					if err := f.Config.Validate(); err != nil {
						return nil, fmt.Errorf("%s: %w", name, err)
					}
				}
			}
			if opts.Phases != nil && opts.Phases.Mode == "custom" && len(opts.Phases.Custom) == 0 {
				return nil, fmt.Errorf("phases.custom must list at least one phase")
			}
			return &presentationBody{
				opts:     opts,
				svc:      deps.Service,
				selector: deps.Selector,
				baseDir:  deps.BaseDir,
			}, nil
		},
	}
}

func (b *presentationBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	if !b.opts.Cover.Enabled && !b.opts.Title.Enabled && !b.opts.Description.Enabled {
		rc.Log.Info("no presentation features enabled")
		return task.Outcome{Skipped: true}, nil
	}

	playlistID, err := b.opts.Playlist.resolve(ctx, rc, b.svc, false)
	if err != nil {
		return task.Outcome{}, err
	}

	var st presentationState
	if err := rc.State.Get(&st); err != nil {
		return task.Outcome{}, err
	}
	if st.Features == nil {
		st.Features = map[string]selection.State{}
	}
	if st.Applied == nil {
		st.Applied = map[string]string{}
	}

	now := rc.Now()
	phase := b.currentPhase(now)
	runIdx := st.RunCount
	st.RunCount++
	st.LastPhase = phase

	var updated []string
	picked := map[string]selection.State{}

	if b.opts.Cover.Enabled {
		value, changed, err := b.pickFeature("cover", b.opts.Cover.Config, &st, picked, runIdx, phase)
		if err != nil {
			return task.Outcome{}, err
		}
		if changed {
			if err := b.uploadCover(ctx, rc, playlistID, value); err != nil {
				return task.Outcome{}, err
			}
			st.Applied["cover"] = value
			updated = append(updated, "cover")
		}
	}

	var newName, newDescription string
	if b.opts.Title.Enabled {
		value, changed, err := b.pickFeature("title", b.opts.Title.Config, &st, picked, runIdx, phase)
		if err != nil {
			return task.Outcome{}, err
		}
		if changed {
			newName = value
		}
	}
	if b.opts.Description.Enabled {
		cfg := b.descriptionConfig(now)
		value, changed, err := b.pickFeature("description", cfg, &st, picked, runIdx, phase)
		if err != nil {
			return task.Outcome{}, err
		}
		if changed {
			newDescription = value
		}
	}
	if newName != "" || newDescription != "" {
		if err := b.svc.UpdatePlaylistDetails(ctx, playlistID, newName, newDescription); err != nil {
			return task.Outcome{}, err
		}
		if newName != "" {
			st.Applied["title"] = newName
			updated = append(updated, "title")
		}
		if newDescription != "" {
			st.Applied["description"] = newDescription
			updated = append(updated, "description")
		}
	}

	if len(updated) > 0 {
		st.LastUpdatedAt = now.UTC()
	}
	if err := rc.State.Put(st); err != nil {
		return task.Outcome{}, err
	}

	rc.Log.Info("presentation run finished",
		logx.String("phase", phase),
		logx.Any("updated", updated))
	return task.Outcome{Details: map[string]any{"phase": phase, "updated": updated}}, nil
}

// pickFeature runs one feature through the selection engine, honoring
// group_key state sharing and the feature's failure mode. Features sharing
// a group_key pick from the same cursor within one run, so their pools stay
// in lockstep. changed is false when the cadence gate held or the pick
// equals the currently applied value.
func (b *presentationBody) pickFeature(name string, cfg selection.Config, st *presentationState, picked map[string]selection.State, runIdx int, phase string) (string, bool, error) {
	slot := name
	if cfg.GroupKey != "" {
		slot = "group:" + cfg.GroupKey
	}
	base, again := picked[slot]
	if !again {
		base = st.Features[slot]
	}

	res, next, err := b.selector.Pick(cfg, base, runIdx, phase)
	if errors.Is(err, selection.ErrEmptyPool) {
		switch cfg.FailureMode {
		case selection.FailStop:
			return "", false, task.NoRetry(fmt.Errorf("%s: %w", name, err))
		case selection.FailReuseLast:
			return st.Applied[name], st.Applied[name] != "", nil
		default: // skip
			return "", false, nil
		}
	}
	if err != nil {
		return "", false, err
	}
	if !again {
		picked[slot] = base
		st.Features[slot] = next
	}
	if !res.Updated || res.Value == st.Applied[name] {
		return res.Value, false, nil
	}
	return res.Value, true, nil
}

// descriptionConfig appends rendered dynamic templates as one more list
// source so they compete with the static assets.
func (b *presentationBody) descriptionConfig(now time.Time) selection.Config {
	cfg := b.opts.Description.Config
	if !b.opts.Description.UseDynamic {
		return cfg
	}
	templates := b.opts.Description.DynamicTemplates
	if len(templates) == 0 {
		templates = []string{
			"Updated at {time} on {weekday}",
			"Current vibe as of {date}",
			"Live update – {time}",
		}
	}
	items := make([]selection.Item, len(templates))
	for i, tpl := range templates {
		items[i] = selection.Item{Value: renderTemplate(tpl, now)}
	}
	cfg.Sources = append(append([]selection.Source{}, cfg.Sources...), selection.Source{
		Type:  selection.SourceList,
		Items: items,
	})
	return cfg
}

func renderTemplate(tpl string, now time.Time) string {
	r := strings.NewReplacer(
		"{time}", now.Format("15:04"),
		"{date}", now.Format("January 02, 2006"),
		"{weekday}", now.Format("Monday"),
	)
	return r.Replace(tpl)
}

func (b *presentationBody) uploadCover(ctx context.Context, rc *task.Context, playlistID, rawPath string) error {
	path := rawPath
	if !filepath.IsAbs(path) && b.baseDir != "" {
		path = filepath.Join(b.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return task.NoRetry(fmt.Errorf("cover asset: %w", err))
	}
	if err := b.svc.UploadPlaylistCover(ctx, playlistID, base64.StdEncoding.EncodeToString(data)); err != nil {
		return err
	}
	rc.Log.Debug("cover uploaded", logx.String("path", rawPath))
	return nil
}

// currentPhase maps the time of day onto the configured phase windows. Each
// phase runs from its start until the next phase's start, wrapping past
// midnight.
func (b *presentationBody) currentPhase(now time.Time) string {
	p := b.opts.Phases
	if p == nil || p.Mode != "custom" || len(p.Custom) == 0 {
		return "default"
	}

	type window struct {
		name  string
		start int // minutes into the day
	}
	windows := make([]window, 0, len(p.Custom))
	for _, def := range p.Custom {
		m, ok := parseClock(def.Start)
		if !ok {
			continue
		}
		windows = append(windows, window{name: def.Name, start: m})
	}
	if len(windows) == 0 {
		return "default"
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })

	minute := now.Hour()*60 + now.Minute()
	// Before the first window the last one is still active from yesterday.
	current := windows[len(windows)-1].name
	for _, w := range windows {
		if minute >= w.start {
			current = w.name
		}
	}
	return current
}

func parseClock(v string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
