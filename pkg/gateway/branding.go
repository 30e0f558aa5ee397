package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BrandingProfile is the widget appearance configuration handed to an
// embedding page at session init.
type BrandingProfile struct {
	Name         string `yaml:"name" json:"name"`
	LogoURL      string `yaml:"logo_url,omitempty" json:"logo_url,omitempty"`
	PrimaryColor string `yaml:"primary_color,omitempty" json:"primary_color,omitempty"`
	AccentColor  string `yaml:"accent_color,omitempty" json:"accent_color,omitempty"`
	Greeting     string `yaml:"greeting,omitempty" json:"greeting,omitempty"`
	PoweredBy    bool   `yaml:"powered_by" json:"powered_by"`
}

// brandingFile is the on-disk shape: named profiles plus a default.
type brandingFile struct {
	Default  string                      `yaml:"default"`
	Profiles map[string]*BrandingProfile `yaml:"profiles"`
}

// Branding resolves widget branding per offering slug.
type Branding struct {
	defaultName string
	profiles    map[string]*BrandingProfile
}

// LoadBranding reads a branding YAML file. An empty path yields a
// built-in neutral profile.
func LoadBranding(path string) (*Branding, error) {
	if path == "" {
		return &Branding{
			defaultName: "default",
			profiles: map[string]*BrandingProfile{
				"default": {Name: "default", Greeting: "How can I help?", PoweredBy: true},
			},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load branding %q: %w", path, err)
	}
	var file brandingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse branding %q: %w", path, err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("branding %q: no profiles defined", path)
	}
	if file.Default == "" {
		for name := range file.Profiles {
			file.Default = name
			break
		}
	}
	if _, ok := file.Profiles[file.Default]; !ok {
		return nil, fmt.Errorf("branding %q: default profile %q not defined", path, file.Default)
	}
	for name, p := range file.Profiles {
		if p.Name == "" {
			p.Name = name
		}
	}
	return &Branding{defaultName: file.Default, profiles: file.Profiles}, nil
}

// For returns the profile for a key, falling back to the default.
func (b *Branding) For(key string) *BrandingProfile {
	if p, ok := b.profiles[key]; ok {
		return p
	}
	return b.profiles[b.defaultName]
}
