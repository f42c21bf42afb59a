package capture

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/astrocap/output"
)

// runRecord is what SaveSettings writes beside a recording
type runRecord struct {
	Session  string        `yaml:"session"`
	Camera   string        `yaml:"camera"`
	Mode     string        `yaml:"mode"`
	Exposure time.Duration `yaml:"exposure"`
	Format   string        `yaml:"format"`
	Filter   string        `yaml:"filter,omitempty"`
	Profile  string        `yaml:"profile,omitempty"`
	Limit    string        `yaml:"limit"`
	Value    int           `yaml:"value"`
	Frames   uint64        `yaml:"frames"`
	Dropped  uint64        `yaml:"dropped"`
	Active   time.Duration `yaml:"active"`
	Reason   string        `yaml:"reason"`
	Site     *output.Site  `yaml:"site,omitempty"`
}

// SettingsPath is the path of the settings file for a recording
func SettingsPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + ".yml"
}

func (s *Session) saveSettings(sum Summary) error {
	rec := runRecord{
		Session:  s.id,
		Camera:   s.deps.Camera.Name(),
		Mode:     s.deps.Camera.Mode().String(),
		Exposure: s.deps.Camera.Exposure(),
		Format:   s.cfg.Target.Format.String(),
		Filter:   s.cfg.Filter,
		Profile:  s.cfg.Profile,
		Limit:    s.cfg.Limit.Kind.String(),
		Value:    s.cfg.Limit.Value,
		Frames:   sum.Frames,
		Dropped:  sum.Dropped,
		Active:   sum.Active,
		Reason:   sum.Reason,
	}
	if sum.GPS != nil {
		rec.Site = &output.Site{Lat: sum.GPS.Lat, Long: sum.GPS.Long, Alt: sum.GPS.Alt, Time: sum.GPS.Time}
	}
	b, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return renameio.WriteFile(SettingsPath(sum.Filename), b, 0644)
}
