package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/pkg/models"
)

// Vocabulary is the ingest API's fixed token sets and per-level policy.
// Compiled-in defaults come from DefaultVocabulary; a YAML file may override them.
type Vocabulary struct {
	// Instruments maps an instrument name to the koaid abbreviations it owns.
	Instruments map[string][]string `yaml:"inst_mapping"`

	Statuses    []string `yaml:"status_set"`
	TrueTokens  []string `yaml:"true_tokens"`
	FalseTokens []string `yaml:"false_tokens"`
	IngestTypes []string `yaml:"ingest_types"`

	// RequiredParams is keyed by "default" or a level tag such as "lev1".
	// Level entries apply to pipeline calls, i.e. calls without a status.
	RequiredParams map[string][]string `yaml:"required_params"`

	MetricsParams     []string `yaml:"metrics_params"`
	AcceptingStatuses []string `yaml:"valid_db_status_values"`

	Lev2QueueImmediately []string            `yaml:"lev2_queue_immediately"`
	DirectoryScan        map[string]ScanRule `yaml:"directory_scan"`

	Notify NotifyPolicy `yaml:"pi_notify"`
}

// ScanRule extracts one koaid per output group from DRP file names:
// the first "_"-separated token starting with Marker, cut to Length.
type ScanRule struct {
	Marker string `yaml:"marker"`
	Length int    `yaml:"length"`
	Suffix string `yaml:"suffix"`
}

type NotifyPolicy struct {
	AllowedLevels       []int             `yaml:"allowed_levels"`
	MaxAgeDays          int               `yaml:"max_age_days"`
	ExcludedInstruments []string          `yaml:"excluded_instruments"`
	ScheduleAliases     map[string]string `yaml:"schedule_aliases"`
}

// DefaultVocabulary returns the production ingest vocabulary.
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{
		Instruments: map[string][]string{
			"DEIMOS":  {"DE", "DF"},
			"ESI":     {"EI"},
			"HIRES":   {"HI"},
			"KCWI":    {"KB", "KF"},
			"LRIS":    {"LB", "LR"},
			"MOSFIRE": {"MF"},
			"OSIRIS":  {"OI", "OS"},
			"NIRES":   {"NR", "NI", "NS"},
			"NIRC2":   {"N2", "NC"},
			"NIRSPEC": {},
		},
		Statuses:    []string{"COMPLETE", "DONE", "ERROR"},
		TrueTokens:  []string{"TRUE", "1", "YES"},
		FalseTokens: []string{"FALSE", "0", "NO"},
		IngestTypes: []string{"lev0", "lev1", "lev2"},
		RequiredParams: map[string][]string{
			"default": {"instrument", "ingesttype", "koaid", "status"},
			"lev1":    {"instrument", "ingesttype", "koaid", "datadir"},
			"lev2":    {"instrument", "ingesttype"},
		},
		MetricsParams:        append([]string(nil), models.MetricColumns...),
		AcceptingStatuses:    []string{"TRANSFERRED", "ERROR", "COMPLETE"},
		Lev2QueueImmediately: []string{"OSIRIS"},
		DirectoryScan: map[string]ScanRule{
			"DEIMOS": {Marker: "DE.", Length: 20, Suffix: ".fits"},
		},
		Notify: NotifyPolicy{
			AllowedLevels:   []int{0},
			MaxAgeDays:      7,
			ScheduleAliases: map[string]string{"NIRSPEC": "NIRSP"},
		},
	}
}

// LoadVocabulary reads a YAML vocabulary file over the defaults. Keys absent
// from the file keep their default values; a map the file names replaces the
// default map whole.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary file: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parsing vocabulary file %s: %w", path, err)
	}

	v := DefaultVocabulary()
	v.clearOverridden(keys)
	if err := yaml.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parsing vocabulary file %s: %w", path, err)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("vocabulary file %s: %w", path, err)
	}
	return v, nil
}

// clearOverridden drops default maps the file sets, so yaml decodes them
// fresh instead of merging keys into the defaults.
func (v *Vocabulary) clearOverridden(keys map[string]any) {
	if _, ok := keys["inst_mapping"]; ok {
		v.Instruments = nil
	}
	if _, ok := keys["required_params"]; ok {
		v.RequiredParams = nil
	}
	if _, ok := keys["directory_scan"]; ok {
		v.DirectoryScan = nil
	}
	if n, ok := keys["pi_notify"].(map[string]any); ok {
		if _, ok := n["schedule_aliases"]; ok {
			v.Notify.ScheduleAliases = nil
		}
	}
}

// Validate checks the vocabulary for internal consistency.
func (v *Vocabulary) Validate() error {
	if len(v.Instruments) == 0 {
		return fmt.Errorf("inst_mapping must not be empty")
	}
	seen := make(map[string]string)
	for inst, abbrs := range v.Instruments {
		for _, a := range abbrs {
			if other, ok := seen[a]; ok {
				return fmt.Errorf("abbreviation %s mapped to both %s and %s", a, other, inst)
			}
			seen[a] = inst
		}
	}

	for _, tag := range v.IngestTypes {
		if _, ok := models.ParseLevelTag(tag); !ok || !strings.HasPrefix(tag, "lev") {
			return fmt.Errorf("invalid ingest type %q", tag)
		}
	}
	if _, ok := v.RequiredParams["default"]; !ok {
		return fmt.Errorf("required_params must define a default list")
	}

	for _, m := range v.MetricsParams {
		if !models.IsMetricColumn(m) {
			return fmt.Errorf("metrics param %q is not a status table column", m)
		}
	}

	for _, s := range v.AcceptingStatuses {
		switch models.Status(s) {
		case models.StatusWaiting, models.StatusQueued, models.StatusProcessing,
			models.StatusTransferred, models.StatusComplete, models.StatusError,
			models.StatusInvalid, models.StatusWarn:
		default:
			return fmt.Errorf("unknown accepting status %q", s)
		}
	}

	for inst, rule := range v.DirectoryScan {
		if rule.Marker == "" || rule.Length <= len(rule.Marker) {
			return fmt.Errorf("directory scan rule for %s needs a marker shorter than its length", inst)
		}
	}

	if v.Notify.MaxAgeDays <= 0 {
		return fmt.Errorf("pi_notify.max_age_days must be positive")
	}
	return nil
}

// InstrumentFor returns the instrument owning a koaid abbreviation.
func (v *Vocabulary) InstrumentFor(abbr string) (string, bool) {
	for inst, abbrs := range v.Instruments {
		if contains(abbrs, abbr) {
			return inst, true
		}
	}
	return "", false
}

func (v *Vocabulary) HasInstrument(name string) bool {
	_, ok := v.Instruments[name]
	return ok
}

// InstrumentNames returns the instrument set in a stable order.
func (v *Vocabulary) InstrumentNames() []string {
	names := make([]string, 0, len(v.Instruments))
	for name := range v.Instruments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsTrue reports whether token is one of the truthy tokens. A token from
// neither set is false.
func (v *Vocabulary) IsTrue(token string) bool {
	return contains(v.TrueTokens, token)
}

// BoolTokens returns the truthy and falsy tokens together.
func (v *Vocabulary) BoolTokens() []string {
	out := make([]string, 0, len(v.TrueTokens)+len(v.FalseTokens))
	out = append(out, v.TrueTokens...)
	return append(out, v.FalseTokens...)
}

// Required returns the parameter names that must be present for a call at
// the given level tag. hasStatus distinguishes archive-center completion
// calls from pipeline calls.
func (v *Vocabulary) Required(levelTag string, hasStatus bool) []string {
	if !hasStatus {
		if req, ok := v.RequiredParams[levelTag]; ok {
			return req
		}
	}
	return v.RequiredParams["default"]
}

// Accepts reports whether a record in status s may take a completion update.
func (v *Vocabulary) Accepts(s models.Status) bool {
	return contains(v.AcceptingStatuses, string(s))
}

// Lev2Target is the status a new level 2 DRP row for instrument starts in.
func (v *Vocabulary) Lev2Target(instrument string) models.Status {
	if contains(v.Lev2QueueImmediately, instrument) {
		return models.StatusQueued
	}
	return models.StatusWaiting
}

func (v *Vocabulary) ScanRuleFor(instrument string) (ScanRule, bool) {
	r, ok := v.DirectoryScan[instrument]
	return r, ok
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
