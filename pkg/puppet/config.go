// Copyright 2025-2026 Aiku AI

package puppet

import (
	"fmt"
	"regexp"
	"text/template"

	"gopkg.in/yaml.v3"
)

// The default tag is a near-invisible zero-width no-break space appended to
// relayed text. Both values come from the original puppet bridge protocol
// and must stay in sync with other bridge instances on the same homeserver.
const (
	defaultDeduplicationTag        = " \ufeff"
	defaultDeduplicationTagPattern = " \ufeff$"
)

// DefaultStatusRoomPostfix is appended to the service prefix to form the
// status room alias localpart. Unusual on purpose, so it is unlikely to
// clash with a real conversation id.
const DefaultStatusRoomPostfix = "puppetStatusRoom"

// HomeserverConfig identifies the Matrix homeserver the bridge lives on.
type HomeserverConfig struct {
	// Address is the client-server API base URL.
	Address string `yaml:"address"`
	// Domain is the server name used in user ids and aliases.
	Domain string `yaml:"domain"`
}

// Config holds the engine configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// DeduplicationTag is appended to bridge-originated text.
	DeduplicationTag string `yaml:"deduplication_tag"`
	// DeduplicationTagPattern is the regexp used to detect the tag.
	DeduplicationTagPattern string `yaml:"deduplication_tag_pattern"`

	// StatusRoomPostfix overrides the status room alias postfix.
	StatusRoomPostfix string `yaml:"status_room_postfix"`

	// AllowNullSenderName skips remote user resolution for messages that
	// arrive without a sender name.
	AllowNullSenderName bool `yaml:"allow_null_sender_name"`

	// DisplaynameTemplate renders ghost display names. The template is
	// executed with DisplaynameParams.
	DisplaynameTemplate string `yaml:"displayname_template"`

	deduplicationTagRegex *regexp.Regexp     `yaml:"-"`
	displaynameTemplate   *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the ghost
// displayname template.
type DisplaynameParams struct {
	SenderName string
	UserID     string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and compiles derived state. It must run
// before the config is used; Bridge construction calls it.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.DeduplicationTag == "" {
		c.DeduplicationTag = defaultDeduplicationTag
	}
	if c.DeduplicationTagPattern == "" {
		c.DeduplicationTagPattern = defaultDeduplicationTagPattern
	}
	if c.StatusRoomPostfix == "" {
		c.StatusRoomPostfix = DefaultStatusRoomPostfix
	}
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = "{{.SenderName}}"
	}
	var err error
	c.deduplicationTagRegex, err = regexp.Compile(c.DeduplicationTagPattern)
	if err != nil {
		return fmt.Errorf("invalid deduplication tag pattern: %w", err)
	}
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname template: %w", err)
	}
	return nil
}

// FormatDisplayname generates a ghost display name from the template and
// params. Falls back to the raw sender name if execution fails.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.SenderName
	}
	var buf []byte
	err := c.displaynameTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return params.SenderName
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
